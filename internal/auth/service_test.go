package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genSecret() gopter.Gen {
	return gen.SliceOfN(32, gen.UInt8()).Map(func(b []uint8) []byte {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	})
}

func TestTokenRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("validated token carries the subject it was issued to", prop.ForAll(
		func(subject string, secret []byte) bool {
			svc := NewService(secret, time.Hour, nil)
			token, err := svc.GenerateToken(subject)
			if err != nil {
				return false
			}
			claims, err := svc.ValidateToken(token)
			return err == nil && claims.Subject == subject
		},
		gen.Identifier(),
		genSecret(),
	))

	properties.Property("token signed with another secret is rejected", prop.ForAll(
		func(subject string, a, b []byte) bool {
			if string(a) == string(b) {
				return true
			}
			token, err := NewService(a, time.Hour, nil).GenerateToken(subject)
			if err != nil {
				return false
			}
			_, err = NewService(b, time.Hour, nil).ValidateToken(token)
			return err == ErrInvalidSignature
		},
		gen.Identifier(),
		genSecret(),
		genSecret(),
	))

	properties.TestingRun(t)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewService([]byte("0123456789abcdef0123456789abcdef"), time.Minute, nil)
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	token, err := svc.GenerateToken("operator")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := svc.ValidateToken(token); err != ErrExpiredToken {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestValidateTokenRejectsOtherAlgorithms(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := NewService(secret, time.Hour, nil).ValidateToken(token); err != ErrInvalidSignature {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewService([]byte("0123456789abcdef0123456789abcdef"), time.Hour, nil)
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.ValidateToken(token); err == nil {
			t.Errorf("ValidateToken(%q) succeeded", token)
		}
	}
}

func TestGenerateTokenRequiresSubject(t *testing.T) {
	svc := NewService([]byte("0123456789abcdef0123456789abcdef"), time.Hour, nil)
	if _, err := svc.GenerateToken(""); err != ErrMissingClaims {
		t.Fatalf("err = %v, want ErrMissingClaims", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for header, want := range cases {
		if got := ExtractBearerToken(header); got != want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
