package password

import (
	"errors"
	"strings"
	"testing"
)

// cheapConfig keeps the suite fast; production cost is covered by
// TestDefaultConfigIsValid.
func cheapConfig() Config {
	return Config{
		Memory:      minMemoryKB,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func mustHasher(t *testing.T, cfg Config) *Argon2 {
	t.Helper()
	h, err := NewArgon2(cfg)
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}
	return h
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestNewArgon2RejectsWeakConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"memory", func(c *Config) { c.Memory = minMemoryKB - 1 }},
		{"time", func(c *Config) { c.Time = 0 }},
		{"parallelism", func(c *Config) { c.Parallelism = 0 }},
		{"salt", func(c *Config) { c.SaltLength = 8 }},
		{"key", func(c *Config) { c.KeyLength = 8 }},
		{"max length", func(c *Config) { c.MaxPasswordBytes = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cheapConfig()
			tt.mutate(&cfg)
			if _, err := NewArgon2(cfg); err == nil {
				t.Fatal("expected config to be rejected")
			}
		})
	}
}

func TestHashAndVerify(t *testing.T) {
	h := mustHasher(t, cheapConfig())

	hash, err := h.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := h.Verify("P@ssw0rd-Ascii", hash)
	if err != nil || !ok {
		t.Fatalf("expected match: ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("P@ssw0rd-ascii", hash)
	if err != nil || ok {
		t.Fatalf("expected mismatch: ok=%v err=%v", ok, err)
	}

	again, err := h.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if again == hash {
		t.Fatal("expected a fresh salt per hash")
	}
}

func TestVerifyUsesStoredParameters(t *testing.T) {
	old := mustHasher(t, cheapConfig())
	hash, err := old.Hash("rotate-my-params")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	stronger := cheapConfig()
	stronger.Time = 2
	stronger.KeyLength = 48
	current := mustHasher(t, stronger)

	ok, err := current.Verify("rotate-my-params", hash)
	if err != nil || !ok {
		t.Fatalf("expected old hash to verify under new config: ok=%v err=%v", ok, err)
	}
	upgrade, err := current.NeedsUpgrade(hash)
	if err != nil || !upgrade {
		t.Fatalf("expected upgrade: upgrade=%v err=%v", upgrade, err)
	}
	upgrade, err = old.NeedsUpgrade(hash)
	if err != nil || upgrade {
		t.Fatalf("expected no upgrade under same config: upgrade=%v err=%v", upgrade, err)
	}
}

func TestParsePHCRejectsMalformed(t *testing.T) {
	h := mustHasher(t, cheapConfig())
	valid, err := h.Hash("malformed-base")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	tests := map[string]string{
		"not phc":          "not-a-phc-hash",
		"wrong algorithm":  strings.Replace(valid, "argon2id", "argon2i", 1),
		"wrong version":    strings.Replace(valid, "$v=19$", "$v=18$", 1),
		"low memory":       strings.Replace(valid, "m=8192", "m=1024", 1),
		"zero time":        strings.Replace(valid, "t=1", "t=0", 1),
		"duplicate param":  strings.Replace(valid, "t=1", "m=8192", 1),
		"unknown param":    strings.Replace(valid, "p=1", "x=1", 1),
		"missing param":    strings.Replace(valid, ",p=1", "", 1),
		"parallelism wide": strings.Replace(valid, "p=1", "p=300", 1),
		"bad salt":         strings.Replace(valid, "$m=8192,t=1,p=1$", "$m=8192,t=1,p=1$!!", 1),
	}
	for name, encoded := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.Verify("malformed-base", encoded)
			if !errors.Is(err, ErrMalformedHash) {
				t.Fatalf("expected ErrMalformedHash, got %v", err)
			}
		})
	}
}

func TestPasswordLengthBounds(t *testing.T) {
	cfg := cheapConfig()
	cfg.MaxPasswordBytes = 64
	h := mustHasher(t, cfg)

	if _, err := h.Hash(""); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("empty: expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := h.Hash("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("short: expected ErrPasswordTooShort, got %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", 65)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("long: expected ErrPasswordTooLong, got %v", err)
	}

	exact := strings.Repeat("b", 64)
	hash, err := h.Hash(exact)
	if err != nil {
		t.Fatalf("expected exactly-max password to be accepted: %v", err)
	}
	if _, err := h.Verify(strings.Repeat("c", 65), hash); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("verify long: expected ErrPasswordTooLong, got %v", err)
	}
}

func TestDefaultMaxPasswordBytesApplied(t *testing.T) {
	h := mustHasher(t, cheapConfig())

	if _, err := h.Hash(strings.Repeat("d", DefaultMaxPasswordBytes+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected password > %d bytes to be rejected, got %v", DefaultMaxPasswordBytes, err)
	}
	if _, err := h.Hash(strings.Repeat("e", DefaultMaxPasswordBytes)); err != nil {
		t.Fatalf("expected password of exactly %d bytes to be accepted: %v", DefaultMaxPasswordBytes, err)
	}
}
