package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// AccessTokenPrefix identifies access tokens minted by the in-memory directory
	AccessTokenPrefix = "dga_"
	// RefreshTokenPrefix identifies refresh tokens minted by the in-memory directory
	RefreshTokenPrefix = "dgr_"
	// LinkTokenPrefix identifies one-time email link tokens
	LinkTokenPrefix = "dgl_"
	// TokenLength is the number of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates opaque session tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new opaque token
// Format: <prefix><base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken(prefix string) (string, error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the given prefix and a valid body
func (tg *TokenGenerator) ValidateTokenFormat(token, prefix string) error {
	if !strings.HasPrefix(token, prefix) {
		return fmt.Errorf("token must start with %q", prefix)
	}

	encodedPart := strings.TrimPrefix(token, prefix)
	if len(encodedPart) == 0 {
		return fmt.Errorf("token is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encodedPart); err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}

	return nil
}
