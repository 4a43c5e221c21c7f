package persist

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Category groups persistence failures by how they should be handled.
type Category string

const (
	// CategoryInvariant failures mean a guarantee is broken; surface them.
	CategoryInvariant Category = "invariant"
	// CategoryTransient failures are infrastructure hiccups worth retrying.
	CategoryTransient Category = "transient"
	// CategoryConstraint failures are data problems; retrying cannot help.
	CategoryConstraint Category = "constraint"
	CategoryUnknown    Category = "unknown"
)

// Classification is the verdict for one error plus a suggested delay
// before the next attempt.
type Classification struct {
	Category  Category
	Retryable bool
	Delay     time.Duration
	Reason    string
}

const defaultRetryDelay = 500 * time.Millisecond

var (
	invariantSignatures = []string{
		"invariant violation",
		"no sequence number",
		"different sequence number",
	}
	constraintSignatures = []string{
		"duplicate",
		"unique constraint",
		"violates foreign key",
		"foreign key",
		"sequence conflict",
		"already exists",
		"sqlstate 23505",
		"sqlstate 23503",
		"violates not-null",
		"violates check constraint",
	}
	transientSignatures = []struct {
		match string
		delay time.Duration
	}{
		{"too many connections", 5 * time.Second},
		{"too many clients", 5 * time.Second},
		{"timeout", 2 * time.Second},
		{"timed out", 2 * time.Second},
		{"deadline exceeded", 2 * time.Second},
		{"connection refused", defaultRetryDelay},
		{"connection reset", defaultRetryDelay},
		{"broken pipe", defaultRetryDelay},
		{"temporary failure", defaultRetryDelay},
		{"no such host", defaultRetryDelay},
		{"server closed", defaultRetryDelay},
		{"unavailable", defaultRetryDelay},
		{"unexpected eof", defaultRetryDelay},
	}
)

// Classify assigns err to a category by its sentinel or, failing that, by
// the text of its message. It does not depend on any particular store.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}

	var inv *InvariantError
	if errors.As(err, &inv) || errors.Is(err, ErrMissingSequence) || errors.Is(err, ErrSequenceMismatch) {
		return Classification{Category: CategoryInvariant, Reason: "invariant violation"}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryUnknown, Reason: "canceled"}
	}

	msg := strings.ToLower(err.Error())

	for _, sig := range invariantSignatures {
		if strings.Contains(msg, sig) {
			return Classification{Category: CategoryInvariant, Reason: sig}
		}
	}
	for _, sig := range constraintSignatures {
		if strings.Contains(msg, sig) {
			return Classification{Category: CategoryConstraint, Reason: sig}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: CategoryTransient, Retryable: true, Delay: 2 * time.Second, Reason: "deadline exceeded"}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig.match) {
			return Classification{Category: CategoryTransient, Retryable: true, Delay: sig.delay, Reason: sig.match}
		}
	}

	return Classification{Category: CategoryUnknown, Delay: defaultRetryDelay}
}
