package record

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every MalformedRecordError.
var ErrMalformed = errors.New("record: malformed")

// ErrDigestMismatch is returned by Verify when the payload does not hash to
// the declared digest.
var ErrDigestMismatch = errors.New("record: payload digest mismatch")

// MalformedRecordError describes why a block could not be encoded or decoded.
type MalformedRecordError struct {
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("record: malformed: %s", e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(format string, args ...any) error {
	return &MalformedRecordError{Reason: fmt.Sprintf(format, args...)}
}
