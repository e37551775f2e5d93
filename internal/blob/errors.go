package blob

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyID   = errors.New("blob id is empty")
	ErrInvalidID = errors.New("blob id is invalid")
)

type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("blob not found: %s", e.ID)
}

// IsNotFound reports whether err, or anything it wraps, is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
