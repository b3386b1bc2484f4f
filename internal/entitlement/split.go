package entitlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultTeacherShare is the fraction of each payment owed to the course's teacher.
var DefaultTeacherShare = decimal.RequireFromString("0.70")

// ParseShare parses a ratio such as "0.70". The value must lie in [0, 1].
func ParseShare(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultTeacherShare, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("entitlement: invalid payout ratio %q: %w", raw, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("entitlement: payout ratio %s outside [0, 1]", d)
	}
	return d, nil
}

// Split divides amount into the teacher payout, floor(amount * share), and the
// platform's remainder. Both parts are whole minor units and sum to amount.
func Split(amount int64, share decimal.Decimal) (teacher, platform int64) {
	teacher = decimal.NewFromInt(amount).Mul(share).Floor().IntPart()
	return teacher, amount - teacher
}
