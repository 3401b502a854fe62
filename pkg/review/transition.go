package review

import (
	"errors"
	"fmt"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

var ErrInvalidTransition = errors.New("invalid review transition")

// validTransitions is the review status state machine: the gate moves pending
// to auto_approved or flagged exactly once; a human can then close either out
// as reviewed or rejected. Nothing ever returns to pending.
var validTransitions = map[string]map[string]bool{
	models.ReviewPending: {
		models.ReviewAutoApproved: true,
		models.ReviewFlagged:      true,
	},
	models.ReviewAutoApproved: {
		models.ReviewReviewed: true,
		models.ReviewRejected: true,
	},
	models.ReviewFlagged: {
		models.ReviewReviewed: true,
		models.ReviewRejected: true,
	},
}

func CanTransition(current, next string) bool {
	return validTransitions[current][next]
}

// Transition validates a review status change and returns the new status.
func Transition(current, next string) (string, error) {
	if !isKnownStatus(next) {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if !CanTransition(current, next) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return next, nil
}

func isKnownStatus(status string) bool {
	switch status {
	case models.ReviewPending, models.ReviewAutoApproved, models.ReviewFlagged, models.ReviewReviewed, models.ReviewRejected:
		return true
	default:
		return false
	}
}
