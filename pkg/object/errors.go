package object

import (
	"errors"
	"fmt"
)

// Error classes shared by every storage layer. Callers test with errors.Is;
// concrete errors wrap one of these with the path, pack or id involved.
var (
	// ErrNotFound marks a missing file or object. Recoverable: callers may
	// fall back to another source.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt marks bad magic, checksum or size data. Never repaired.
	ErrCorrupt = errors.New("corrupt")
	// ErrUnsupportedVersion marks an index or graph format this code does
	// not understand.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrUnsupportedOperation marks a capability the data format lacks, such
	// as CRC32 lookups on a version 1 pack index.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// MissingObjectError reports an object id absent from every searched source.
type MissingObjectError struct {
	ID   ID
	Type Type
}

func (e *MissingObjectError) Error() string {
	if e.Type.Valid() {
		return fmt.Sprintf("missing %s %s", e.Type, e.ID)
	}
	return fmt.Sprintf("missing object %s", e.ID)
}

// Is makes MissingObjectError match ErrNotFound.
func (e *MissingObjectError) Is(target error) bool {
	return target == ErrNotFound
}

// Corruptf builds an error wrapping ErrCorrupt.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IncorrectTypeError reports an object whose stored type differs from the
// type the caller asked for.
type IncorrectTypeError struct {
	ID   ID
	Got  Type
	Want Type
}

func (e *IncorrectTypeError) Error() string {
	return fmt.Sprintf("object %s: type mismatch: got %s, want %s", e.ID, e.Got, e.Want)
}
