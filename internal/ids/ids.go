// Package ids generates lexicographically sortable ULID identifiers for
// challenges and security notifications.
package ids

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalid reports a malformed id string.
var ErrInvalid = errors.New("ids: invalid ulid")

var (
	globalOnce sync.Once
	global     *generator
)

// generator serializes access to the monotonic entropy source.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *generator) newAt(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

func initGlobal() {
	global = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a ULID for the current UTC time.
func New() string {
	return NewAt(time.Now().UTC())
}

// NewAt returns a ULID stamped with t.
func NewAt(t time.Time) string {
	globalOnce.Do(initGlobal)
	return global.newAt(t)
}

// Parse validates s and returns it in canonical upper-case form.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return "", ErrInvalid
	}
	return u.String(), nil
}

// Time extracts the embedded timestamp of a valid id.
func Time(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, ErrInvalid
	}
	return ulid.Time(u.Time()).UTC(), nil
}
