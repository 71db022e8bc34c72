package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// HashFingerprint normalizes and hashes a client supplied device fingerprint.
func HashFingerprint(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}

// NetworkPrefix returns the /24 (IPv4) or /48 (IPv6) network of ip, or "" when
// ip does not parse.
func NetworkPrefix(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.String()
}
