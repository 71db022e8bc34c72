package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

type SessionID [16]byte

const (
	refreshTokenRawSize = 48
	refreshSecretSize   = 32
	csrfTokenSize       = 32
	saltSize            = 16
)

var (
	errRefreshTokenSize = errors.New("invalid refresh token size")
	errSessionIDSize    = errors.New("invalid session id size")
)

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errSessionIDSize
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewFamilyID returns a random (v4) identifier for a refresh token family.
func NewFamilyID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashRefreshSecret returns the hex SHA-256 digest persisted in place of the secret.
func HashRefreshSecret(secret [refreshSecretSize]byte) string {
	sum := sha256.Sum256(secret[:])
	return hex.EncodeToString(sum[:])
}

// EncodeRefreshToken packs family id and secret into the opaque client value.
func EncodeRefreshToken(familyID uuid.UUID, secret [refreshSecretSize]byte) string {
	var raw [refreshTokenRawSize]byte
	copy(raw[:16], familyID[:])
	copy(raw[16:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func DecodeRefreshToken(token string) (uuid.UUID, [refreshSecretSize]byte, error) {
	var (
		familyID uuid.UUID
		secret   [refreshSecretSize]byte
	)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return familyID, secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return familyID, secret, errRefreshTokenSize
	}

	copy(familyID[:], raw[:16])
	copy(secret[:], raw[16:])
	if familyID == uuid.Nil {
		return familyID, secret, errRefreshTokenSize
	}

	return familyID, secret, nil
}

// NewCSRFToken returns a fresh base64url CSRF value.
func NewCSRFToken() (string, error) {
	var raw [csrfTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashToken is the hex SHA-256 of an opaque token string.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func NewSalt() (string, error) {
	var raw [saltSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// HashOTP binds a one-time code to its salt and purpose.
func HashOTP(salt, purpose, code string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}

func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}
