package entitlement

import (
	"errors"
	"time"
)

var (
	// ErrGrantPending means the payment is confirmed but access has not been applied yet.
	// A retry is scheduled; callers report the payment as received.
	ErrGrantPending = errors.New("entitlement: grant pending")
	// ErrNotConfirmed is returned when asked to grant for an intent that is not CONFIRMED.
	ErrNotConfirmed = errors.New("entitlement: payment not confirmed")
	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("entitlement: not found")
	// ErrMissingMetadata means the intent lacks the student or course identifier.
	ErrMissingMetadata = errors.New("missing entitlement metadata")
)

// Grant is the immutable record of access given for one confirmed payment.
type Grant struct {
	Reference               string    `json:"reference"`
	StudentID               string    `json:"studentId"`
	CourseID                string    `json:"courseId"`
	LessonID                string    `json:"lessonId,omitempty"`
	TeacherID               string    `json:"teacherId,omitempty"`
	AmountMinorUnits        int64     `json:"amountMinorUnits"`
	TeacherPayoutMinorUnits int64     `json:"teacherPayoutMinorUnits"`
	PlatformShareMinorUnits int64     `json:"platformShareMinorUnits"`
	GrantedAt               time.Time `json:"grantedAt"`
}

// PayoutStatus tracks money owed to a teacher.
type PayoutStatus string

const (
	PayoutOwed        PayoutStatus = "OWED"
	PayoutTransferred PayoutStatus = "TRANSFERRED"
)

// Payout is the teacher's share of one payment.
type Payout struct {
	Reference         string       `json:"reference"`
	TeacherID         string       `json:"teacherId"`
	AmountMinorUnits  int64        `json:"amountMinorUnits"`
	Currency          string       `json:"currency"`
	Status            PayoutStatus `json:"status"`
	TransferReference string       `json:"transferReference,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	TransferredAt     *time.Time   `json:"transferredAt,omitempty"`
}

// PendingMarker records a confirmed payment whose grant still has to be applied.
type PendingMarker struct {
	Reference     string     `json:"reference"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}
