package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// GeneratePIN returns a numeric PIN of the given length. Digits are drawn
// uniformly so leading zeros are as likely as any other digit.
func GeneratePIN(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("pin length must be positive, got %d", length)
	}

	const charset = "0123456789"
	max := big.NewInt(int64(len(charset)))

	pin := make([]byte, length)
	for i := range pin {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		pin[i] = charset[n.Int64()]
	}

	return string(pin), nil
}

// MaskPIN hides a PIN for logging.
func MaskPIN(pin string) string {
	if pin == "" {
		return ""
	}
	return "***"
}
