package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// JWTVerifier validates ES256-signed bearer tokens and resolves the
// subject claim to the user id.
type JWTVerifier struct {
	publicKey *ecdsa.PublicKey
}

// NewJWTVerifier parses a PEM-encoded ECDSA public key and returns a
// verifier for tokens signed with the matching private key.
func NewJWTVerifier(publicKeyPEM string) (*JWTVerifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return &JWTVerifier{publicKey: publicKey}, nil
}

// Verify parses and validates the token. Tokens must be ES256-signed,
// carry an expiry, and name a subject.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (string, error) {
	parsed, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return v.publicKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		log.Debug().Err(err).Msg("JWT parse error")
		return "", ErrInvalidToken
	}

	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}
