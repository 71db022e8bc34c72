package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	minPassBytes          = 10
	algorithmID           = "argon2id"
	phcPrefix             = "$" + algorithmID + "$"

	// DefaultMaxPasswordBytes applies when Config.MaxPasswordBytes is zero.
	DefaultMaxPasswordBytes = 1024
)

var (
	ErrPasswordTooLong  = errors.New("password exceeds maximum length")
	ErrPasswordTooShort = errors.New("password must be at least 10 bytes")
	// ErrMalformedHash wraps every PHC parse failure.
	ErrMalformedHash = errors.New("malformed argon2id hash")
)

// Config holds argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory           uint32 `toml:"memory_kib"`
	Time             uint32 `toml:"time"`
	Parallelism      uint8  `toml:"parallelism"`
	SaltLength       uint32 `toml:"salt_length"`
	KeyLength        uint32 `toml:"key_length"`
	MaxPasswordBytes int    `toml:"max_password_bytes"`
}

// DefaultConfig follows the OWASP argon2id baseline.
func DefaultConfig() Config {
	return Config{
		Memory:           64 * 1024,
		Time:             3,
		Parallelism:      2,
		SaltLength:       16,
		KeyLength:        32,
		MaxPasswordBytes: DefaultMaxPasswordBytes,
	}
}

func (c Config) validate() error {
	switch {
	case c.Memory < minMemoryKB:
		return fmt.Errorf("password memory must be >= %d KiB", minMemoryKB)
	case c.Time < 1:
		return errors.New("password time must be >= 1")
	case c.Parallelism < 1:
		return errors.New("password parallelism must be >= 1")
	case c.SaltLength < minSaltLength:
		return fmt.Errorf("password salt length must be >= %d", minSaltLength)
	case c.KeyLength < minKeyLength:
		return fmt.Errorf("password key length must be >= %d", minKeyLength)
	case c.MaxPasswordBytes < minPassBytes:
		return fmt.Errorf("password max length must be >= %d", minPassBytes)
	}
	return nil
}

// phc is a decoded argon2id string:
// $argon2id$v=19$m=<KiB>,t=<passes>,p=<lanes>$<salt>$<key>
type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (p phc) String() string {
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		phcPrefix, argon2.Version, p.memory, p.time, p.parallelism,
		base64.StdEncoding.EncodeToString(p.salt),
		base64.StdEncoding.EncodeToString(p.key),
	)
}

func (p phc) derive(password string) []byte {
	return argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
}

func parsePHC(encoded string) (phc, error) {
	var out phc
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return out, fmt.Errorf("%w: expected 5 sections", ErrMalformedHash)
	}
	if fields[1] != algorithmID {
		return out, fmt.Errorf("%w: algorithm %q", ErrMalformedHash, fields[1])
	}
	if fields[2] != "v="+strconv.Itoa(argon2.Version) {
		return out, fmt.Errorf("%w: version %q", ErrMalformedHash, fields[2])
	}
	if err := out.parseParams(fields[3]); err != nil {
		return out, err
	}

	var err error
	if out.salt, err = base64.StdEncoding.DecodeString(fields[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return out, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if out.key, err = base64.StdEncoding.DecodeString(fields[5]); err != nil || len(out.key) == 0 {
		return out, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return out, nil
}

func (p *phc) parseParams(section string) error {
	seen := map[string]bool{}
	for _, pair := range strings.Split(section, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || seen[name] {
			return fmt.Errorf("%w: parameter %q", ErrMalformedHash, pair)
		}
		seen[name] = true

		bits := 32
		if name == "p" {
			bits = 8
		}
		v, err := strconv.ParseUint(raw, 10, bits)
		if err != nil || v == 0 {
			return fmt.Errorf("%w: parameter %q", ErrMalformedHash, pair)
		}
		switch name {
		case "m":
			if uint32(v) < minMemoryKB {
				return fmt.Errorf("%w: memory below %d KiB", ErrMalformedHash, minMemoryKB)
			}
			p.memory = uint32(v)
		case "t":
			p.time = uint32(v)
		case "p":
			p.parallelism = uint8(v)
		default:
			return fmt.Errorf("%w: parameter %q", ErrMalformedHash, name)
		}
	}
	if len(seen) != 3 {
		return fmt.Errorf("%w: need m, t and p", ErrMalformedHash)
	}
	return nil
}

// Argon2 hashes and checks argon2id PHC strings.
type Argon2 struct {
	config Config
}

func NewArgon2(cfg Config) (*Argon2, error) {
	if cfg.MaxPasswordBytes == 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Argon2{config: cfg}, nil
}

// Hash returns a PHC-encoded argon2id hash. Bytes are used as given, with no
// Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", ErrPasswordTooShort
	}
	if len(password) > a.config.MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	p := phc{
		memory:      a.config.Memory,
		time:        a.config.Time,
		parallelism: a.config.Parallelism,
		salt:        make([]byte, a.config.SaltLength),
		key:         make([]byte, a.config.KeyLength),
	}
	if _, err := rand.Read(p.salt); err != nil {
		return "", err
	}
	p.key = p.derive(password)
	return p.String(), nil
}

// Verify compares in constant time. The stored parameters are used, not the
// current config.
func (a *Argon2) Verify(password, encoded string) (bool, error) {
	if len(password) > a.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(p.derive(password), p.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the current config.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	c := a.config
	weaker := c.Memory > p.memory ||
		c.Time > p.time ||
		c.Parallelism > p.parallelism ||
		c.KeyLength != uint32(len(p.key))
	return weaker, nil
}
