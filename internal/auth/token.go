package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer names this service in issued tokens.
const tokenIssuer = "parley"

// IssueToken creates a signed ES256 JWT for the given subject.
// signingKeyPEM is the PEM-encoded ECDSA private key matching the
// public key the verifier holds.
func IssueToken(signingKeyPEM string, subject string, ttl time.Duration) (string, error) {
	signingKey, err := jwt.ParseECPrivateKeyFromPEM([]byte(signingKeyPEM))
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	return token.SignedString(signingKey)
}
