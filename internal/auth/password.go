package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const defaultIterations = 100000

// HashPassword derives a storable credential in the form
// pbkdf2_sha256:{salt_b64}:{hash_b64}:{iterations}.
func HashPassword(plain string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(plain), salt, defaultIterations, sha256.Size, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256:%s:%s:%d",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(dk),
		defaultIterations), nil
}

// VerifyPassword checks plain against an encoded hash. The current format is
// pbkdf2_sha256:{salt_b64}:{hash_b64}:{iterations}; the legacy
// sha256:{salt}:{hash_hex} form (fixed 100000 iterations, textual salt) is
// still accepted. Comparison is constant-time.
func VerifyPassword(plain, encoded string) bool {
	parts := strings.Split(encoded, ":")
	switch {
	case len(parts) == 4 && parts[0] == "pbkdf2_sha256":
		salt, err := base64.RawStdEncoding.DecodeString(parts[1])
		if err != nil {
			return false
		}
		want, err := base64.RawStdEncoding.DecodeString(parts[2])
		if err != nil {
			return false
		}
		iters, err := strconv.Atoi(parts[3])
		if err != nil || iters <= 0 {
			return false
		}
		got := pbkdf2.Key([]byte(plain), salt, iters, len(want), sha256.New)
		return hmac.Equal(got, want)

	case len(parts) == 3 && parts[0] == "sha256":
		want, err := hex.DecodeString(parts[2])
		if err != nil {
			return false
		}
		got := pbkdf2.Key([]byte(plain), []byte(parts[1]), defaultIterations, len(want), sha256.New)
		return hmac.Equal(got, want)
	}
	return false
}
