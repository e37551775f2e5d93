package blob

import "strings"

const (
	// IDLength is the length of ids minted by the local store.
	IDLength = 32

	// MaxIDLength bounds identifiers accepted from users and origins.
	MaxIDLength = 128
)

// ValidateID checks that id is a non-empty hex string of sane length.
// The id is never rewritten: case and content are kept exactly as given.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	if len(id) > MaxIDLength {
		return ErrInvalidID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return ErrInvalidID
		}
	}
	return nil
}
