package password

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnsupportedHash = errors.New("unsupported password hash format")

// Verifier checks a password against either an argon2id PHC string or a
// legacy bcrypt hash. New hashes are always argon2id.
type Verifier struct {
	argon *Argon2
}

func NewVerifier(cfg Config) (*Verifier, error) {
	a, err := NewArgon2(cfg)
	if err != nil {
		return nil, err
	}
	return &Verifier{argon: a}, nil
}

func (v *Verifier) Hash(password string) (string, error) {
	return v.argon.Hash(password)
}

// Verify reports whether password matches encoded and whether the stored
// hash should be replaced with a fresh argon2id hash.
func (v *Verifier) Verify(password, encoded string) (ok bool, rehash bool, err error) {
	switch {
	case strings.HasPrefix(encoded, phcPrefix):
		ok, err = v.argon.Verify(password, encoded)
		if err != nil || !ok {
			return false, false, err
		}
		rehash, err = v.argon.NeedsUpgrade(encoded)
		return true, rehash, err
	case isBcrypt(encoded):
		if len(password) > v.argon.config.MaxPasswordBytes {
			return false, false, ErrPasswordTooLong
		}
		err = bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		return true, true, nil
	default:
		return false, false, ErrUnsupportedHash
	}
}

func isBcrypt(encoded string) bool {
	for _, p := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(encoded, p) {
			return true
		}
	}
	return false
}
