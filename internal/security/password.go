// Package security implements password hashing and session-token generation.
// Per the documented migration away from the original project's bare
// SHA-512(salt||password) scheme, hashing here uses argon2id, a memory-hard
// KDF appropriate for password storage.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword derives an argon2id hash for the given plaintext password
// using a freshly generated random salt. It returns the encoded hash string
// (suitable for storage in the password_hash column) and the raw salt bytes
// hex-encoded (stored separately for schema continuity).
func HashPassword(password string) (hash string, saltHex string, err error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("security: generating salt: %w", err)
	}
	return encode(password, salt), hex.EncodeToString(salt), nil
}

// VerifyPassword recomputes the hash from the given password and stored salt
// and compares it against the stored hash in constant time.
func VerifyPassword(password, saltHex, storedHash string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	params, _, storedKey, err := parse(storedHash)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(storedKey)))
	return subtle.ConstantTimeCompare(candidate, storedKey) == 1
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func encode(password string, salt []byte) string {
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// parse decodes a stored argon2id hash string of the form produced by
// encode, returning the parameters, the salt it embeds, and the derived key.
func parse(stored string) (argonParams, []byte, []byte, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return argonParams{}, nil, nil, fmt.Errorf("security: malformed hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("security: malformed version: %w", err)
	}
	var p argonParams
	var mem, t, threads uint32
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &mem, &t, &threads); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("security: malformed params: %w", err)
	}
	p.memory, p.time, p.threads = mem, t, uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("security: malformed salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("security: malformed key: %w", err)
	}
	return p, salt, key, nil
}

// NewSessionToken returns a 256-bit CSPRNG token encoded as 64 lowercase hex
// characters, per the session token format.
func NewSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: generating session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
