package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoCapacity is returned when every target database sits at or above the
// rotation usage cap. The scheduler treats it as fatal for the batch.
var ErrNoCapacity = errors.New("storage: no database target with capacity")

// StoreError kinds.
const (
	// Transient failures are retried with backoff and may re-route.
	KindTransient = "transient"
	// Permanent failures abort the current batch.
	KindPermanent = "permanent"
)

// StoreError wraps a backend error with retry semantics.
type StoreError struct {
	Kind   string
	Op     string
	Target string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage: %s on %s (%s): %v", e.Op, e.Target, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store error.
func IsTransient(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// classify maps a sqlite error to a StoreError kind. Lock contention and
// I/O hiccups are transient; constraint and schema errors are not.
func classify(op, target string, err error) error {
	if err == nil {
		return nil
	}

	kind := KindPermanent
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"locked", "busy", "i/o", "disk", "timeout", "connection"} {
		if strings.Contains(msg, marker) {
			kind = KindTransient
			break
		}
	}

	return &StoreError{Kind: kind, Op: op, Target: target, Err: err}
}
