package session

import (
	"bytes"
	"testing"
)

func FuzzSessionDecode(f *testing.F) {
	encoded, err := Encode(&Record{
		SessionID:       "sid-fuzz",
		UserID:          "user1",
		TenantID:        "tenant1",
		FamilyID:        "fam1",
		FingerprintHash: "fp",
		IP:              "203.0.113.9",
		UserAgent:       "fuzz/1.0",
		Country:         "DE",
		CreatedAt:       1700000000000,
		LastActivityAt:  1700000360000,
		SuspiciousFlags: []string{FlagNewDevice, FlagNewNetwork},
	})
	if err != nil {
		f.Fatalf("encode seed: %v", err)
	}
	f.Add(encoded)
	f.Add(encoded[:len(encoded)-1])
	f.Add(encoded[:12])
	f.Add(append(append([]byte{}, encoded...), 0))
	f.Add([]byte{})
	f.Add([]byte{CurrentSchemaVersion})
	f.Add([]byte{CurrentSchemaVersion + 1})
	f.Add([]byte{CurrentSchemaVersion, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := Decode(data)
		if err != nil {
			return
		}
		// The format has no padding or optional fields, so anything that
		// decodes must re-encode to the same bytes.
		again, err := Encode(rec)
		if err != nil {
			t.Fatalf("re-encode decoded record: %v", err)
		}
		if !bytes.Equal(again, data) {
			t.Fatalf("re-encode mismatch:\n got %x\nwant %x", again, data)
		}
	})
}
