package services

import (
	"fmt"

	"clinic-flow/models"

	"golang.org/x/crypto/bcrypt"
)

// PinVerifier hashes issued PINs and checks submitted ones. It never touches
// session state; attempt counting belongs to the session machine.
type PinVerifier struct {
	cost int
}

func NewPinVerifier(cost int) *PinVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PinVerifier{cost: cost}
}

func (v *PinVerifier) Hash(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether submitted matches the session's outstanding PIN.
func (v *PinVerifier) Verify(session *models.Session, submitted string) bool {
	if session == nil || session.PinHash == "" || submitted == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(session.PinHash), []byte(submitted)) == nil
}
