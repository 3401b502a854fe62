package review

import (
	"errors"
	"testing"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

func TestTransitionValidPaths(t *testing.T) {
	valid := [][2]string{
		{models.ReviewPending, models.ReviewAutoApproved},
		{models.ReviewPending, models.ReviewFlagged},
		{models.ReviewFlagged, models.ReviewReviewed},
		{models.ReviewFlagged, models.ReviewRejected},
		{models.ReviewAutoApproved, models.ReviewReviewed},
		{models.ReviewAutoApproved, models.ReviewRejected},
	}
	for _, pair := range valid {
		got, err := Transition(pair[0], pair[1])
		if err != nil {
			t.Fatalf("Transition(%s, %s) error: %v", pair[0], pair[1], err)
		}
		if got != pair[1] {
			t.Fatalf("Transition(%s, %s) = %s", pair[0], pair[1], got)
		}
	}
}

func TestTransitionRejectsInvalidPaths(t *testing.T) {
	invalid := [][2]string{
		{models.ReviewPending, models.ReviewReviewed},
		{models.ReviewReviewed, models.ReviewFlagged},
		{models.ReviewRejected, models.ReviewReviewed},
		{models.ReviewFlagged, models.ReviewAutoApproved},
	}
	for _, pair := range invalid {
		if _, err := Transition(pair[0], pair[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Transition(%s, %s) err = %v, want ErrInvalidTransition", pair[0], pair[1], err)
		}
	}
}
