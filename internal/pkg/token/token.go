package token

import (
	"fmt"

	"github.com/google/uuid"
)

// NewJTI returns a random (version 4) UUID string for use as a verification
// session identifier. uuid.NewRandom reads from crypto/rand.
func NewJTI() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate jti: %w", err)
	}
	return u.String(), nil
}

// ValidJTI reports whether s has the canonical shape produced by NewJTI.
func ValidJTI(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && len(s) == 36 && u.Version() == 4
}
