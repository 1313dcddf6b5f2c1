package artifact

import (
	"errors"
	"fmt"
)

// ErrImmutableViolation is the sentinel matched by errors.Is for any attempt
// to alter an immutable artifact. It indicates test/artifact tampering and is
// fatal to the owning run.
var ErrImmutableViolation = errors.New("immutable artifact violation")

// ImmutableViolationError reports an attempt to overwrite a write-once
// artifact, carrying both hashes so the halt report can show the divergence.
type ImmutableViolationError struct {
	Path          string
	StoredHash    string
	AttemptedHash string
}

func (e *ImmutableViolationError) Error() string {
	if e.AttemptedHash == "" {
		return fmt.Sprintf("immutable artifact violation: %s (stored %s)", e.Path, shortHash(e.StoredHash))
	}
	return fmt.Sprintf("immutable artifact violation: %s (stored %s, attempted %s)",
		e.Path, shortHash(e.StoredHash), shortHash(e.AttemptedHash))
}

func (e *ImmutableViolationError) Unwrap() error { return ErrImmutableViolation }

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
