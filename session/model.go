package session

// Record is one logged-in device.
type Record struct {
	SchemaVersion uint8

	SessionID string
	UserID    string
	TenantID  string
	FamilyID  string

	FingerprintHash string
	IP              string
	UserAgent       string
	Country         string

	// Unix milliseconds.
	CreatedAt      int64
	LastActivityAt int64

	SuspiciousFlags []string
}

// Suspicious flag values.
const (
	FlagNewDevice  = "new_device"
	FlagNewNetwork = "new_network"
	FlagGeoJump    = "geo_jump"
)

// OverflowPolicy decides what Create does when a user is at the cap.
type OverflowPolicy string

const (
	OverflowEvictOldest OverflowPolicy = "evict_oldest"
	OverflowReject      OverflowPolicy = "reject"
)
