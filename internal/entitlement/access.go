package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/edu-payments/internal/resilience"
)

// UnlockRequest asks the platform to open a course (or one lesson) to a student.
type UnlockRequest struct {
	Reference string `json:"reference"`
	StudentID string `json:"studentId"`
	CourseID  string `json:"courseId"`
	LessonID  string `json:"lessonId,omitempty"`
}

// AccessControl is the platform's enrolment capability. Unlock must be idempotent
// for a given Reference.
type AccessControl interface {
	Unlock(ctx context.Context, req UnlockRequest) error
}

// PostgresAccess writes enrolments into the shared platform database.
type PostgresAccess struct {
	Pool *pgxpool.Pool
}

func (a PostgresAccess) Unlock(ctx context.Context, req UnlockRequest) error {
	if a.Pool == nil {
		return ErrStoreUnavailable
	}
	_, err := a.Pool.Exec(ctx, `INSERT INTO course_enrollments (reference, student_id, course_id, lesson_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (reference) DO NOTHING`, req.Reference, req.StudentID, req.CourseID, req.LessonID)
	if err != nil {
		return fmt.Errorf("entitlement: insert enrolment: %w", err)
	}
	return nil
}

// HTTPAccess calls the platform's access API. The reference is sent as the
// Idempotency-Key so retries never double-enrol.
type HTTPAccess struct {
	BaseURL string
	Token   string
	Client  resilience.HTTPClient
}

func (a HTTPAccess) Unlock(ctx context.Context, req UnlockRequest) error {
	base := strings.TrimRight(a.BaseURL, "/")
	if base == "" {
		return errors.New("entitlement: access api url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/access/grants", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	if a.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.Client.Do(ctx, httpReq)
	if err != nil {
		return fmt.Errorf("entitlement: access api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("entitlement: access api responded %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
