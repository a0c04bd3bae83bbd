package secrets

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Generator produces credentials for database and service-template deploys.
type Generator interface {
	Password(length int) (string, error)
	Username(length int) (string, error)
}

// RandomGenerator draws from crypto/rand.
type RandomGenerator struct{}

// Password returns an alphanumeric string.
func (RandomGenerator) Password(length int) (string, error) {
	return randomString(alphanumeric, length)
}

// Username returns a lowercase string, valid as a database role name.
func (RandomGenerator) Username(length int) (string, error) {
	return randomString(lowerLetters, length)
}

func randomString(alphabet string, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length %d", length)
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
