package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func generateECKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return privateKey
}

func createSignedToken(t *testing.T, privateKey *ecdsa.PrivateKey, claims *jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tokenStr, err := token.SignedString(privateKey)
	require.NoError(t, err)
	return tokenStr
}

func generatePublicKeyPEM(t *testing.T, publicKey *ecdsa.PublicKey) string {
	t.Helper()
	publicKeyDER, err := x509.MarshalPKIXPublicKey(publicKey)
	require.NoError(t, err)

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyDER,
	})
	require.NotNil(t, publicKeyPEM)
	return string(publicKeyPEM)
}

func generatePrivateKeyPEM(t *testing.T, privateKey *ecdsa.PrivateKey) string {
	t.Helper()
	privateKeyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)

	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyDER,
	})
	require.NotNil(t, privateKeyPEM)
	return string(privateKeyPEM)
}

func TestNewJWTVerifier(t *testing.T) {
	t.Run("empty public key", func(t *testing.T) {
		v, err := NewJWTVerifier("")
		require.Error(t, err)
		require.Nil(t, v)
		require.Equal(t, "JWT public key not provided", err.Error())
	})

	t.Run("invalid PEM", func(t *testing.T) {
		v, err := NewJWTVerifier("invalid pem")
		require.Error(t, err)
		require.Nil(t, v)
	})

	t.Run("valid public key PEM", func(t *testing.T) {
		privateKey := generateECKeyPair(t)

		v, err := NewJWTVerifier(generatePublicKeyPEM(t, &privateKey.PublicKey))
		require.NoError(t, err)
		require.NotNil(t, v)
	})
}

func TestJWTVerifierVerify(t *testing.T) {
	ctx := context.Background()

	privateKey := generateECKeyPair(t)

	v, err := NewJWTVerifier(generatePublicKeyPEM(t, &privateKey.PublicKey))
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		tokenStr := createSignedToken(t, privateKey, &jwt.RegisteredClaims{
			Subject:   "user123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		subject, err := v.Verify(ctx, tokenStr)
		require.NoError(t, err)
		require.Equal(t, "user123", subject)
	})

	t.Run("expired token", func(t *testing.T) {
		tokenStr := createSignedToken(t, privateKey, &jwt.RegisteredClaims{
			Subject:   "user123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})

		_, err := v.Verify(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token without expiry", func(t *testing.T) {
		tokenStr := createSignedToken(t, privateKey, &jwt.RegisteredClaims{
			Subject: "user456",
		})

		_, err := v.Verify(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token without subject", func(t *testing.T) {
		tokenStr := createSignedToken(t, privateKey, &jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := v.Verify(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token signed with wrong algorithm", func(t *testing.T) {
		// Sign with HS256 instead of ES256
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.RegisteredClaims{
			Subject:   "user123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		tokenStr, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = v.Verify(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token signed with wrong key", func(t *testing.T) {
		otherKey := generateECKeyPair(t)
		tokenStr := createSignedToken(t, otherKey, &jwt.RegisteredClaims{
			Subject:   "user123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})

		_, err := v.Verify(ctx, tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := v.Verify(ctx, "invalid.token.string")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestIssueToken(t *testing.T) {
	privateKey := generateECKeyPair(t)

	t.Run("issued token verifies", func(t *testing.T) {
		tokenStr, err := IssueToken(generatePrivateKeyPEM(t, privateKey), "user789", time.Hour)
		require.NoError(t, err)

		v, err := NewJWTVerifier(generatePublicKeyPEM(t, &privateKey.PublicKey))
		require.NoError(t, err)

		subject, err := v.Verify(context.Background(), tokenStr)
		require.NoError(t, err)
		require.Equal(t, "user789", subject)
	})

	t.Run("invalid signing key", func(t *testing.T) {
		_, err := IssueToken("not a key", "user789", time.Hour)
		require.Error(t, err)
	})
}

func TestPassthroughVerifier(t *testing.T) {
	ctx := context.Background()

	v := PassthroughVerifier{}

	t.Run("credential becomes the user id", func(t *testing.T) {
		userID, err := v.Verify(ctx, "user-42")
		require.NoError(t, err)
		require.Equal(t, "user-42", userID)
	})

	t.Run("surrounding whitespace is trimmed", func(t *testing.T) {
		userID, err := v.Verify(ctx, "  user-42\n")
		require.NoError(t, err)
		require.Equal(t, "user-42", userID)
	})

	t.Run("empty credential rejected", func(t *testing.T) {
		_, err := v.Verify(ctx, "   ")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestVerifierImplementations(t *testing.T) {
	require.Implements(t, (*Verifier)(nil), &JWTVerifier{})
	require.Implements(t, (*Verifier)(nil), PassthroughVerifier{})
}
