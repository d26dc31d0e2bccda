package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSchedule indicates a recurring-sync cron expression is malformed.
var ErrInvalidSchedule = errors.New("orchestrator: invalid sync schedule")

// ValidateSchedule checks a recurring-sync cron expression. Validation is
// deliberately shallow: an expression passes with 5 or 6 space-separated
// fields regardless of their content, preserving compatibility with
// schedules accepted by earlier releases. An empty expression is valid and
// means "interval scheduling only".
func ValidateSchedule(expression string) error {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return nil
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 5 || len(fields) > 6 {
		return fmt.Errorf("%w: expected 5 or 6 fields, got %d", ErrInvalidSchedule, len(fields))
	}
	return nil
}
