package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CurrentSchemaVersion is written by Encode. Decode rejects anything else.
const CurrentSchemaVersion uint8 = 1

const (
	maxFieldLen = 4096
	maxFlags    = 16
)

var errFieldTooLong = errors.New("session field too long")

func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(CurrentSchemaVersion)

	for _, field := range []string{
		r.SessionID,
		r.UserID,
		r.TenantID,
		r.FamilyID,
		r.FingerprintHash,
		r.IP,
		r.UserAgent,
		r.Country,
	} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, r.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, r.LastActivityAt); err != nil {
		return nil, err
	}

	if len(r.SuspiciousFlags) > maxFlags {
		return nil, errors.New("too many session flags")
	}
	buf.WriteByte(byte(len(r.SuspiciousFlags)))
	for _, flag := range r.SuspiciousFlags {
		if err := writeString(&buf, flag); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}

	r := &Record{SchemaVersion: version}
	for _, dst := range []*string{
		&r.SessionID,
		&r.UserID,
		&r.TenantID,
		&r.FamilyID,
		&r.FingerprintHash,
		&r.IP,
		&r.UserAgent,
		&r.Country,
	} {
		if *dst, err = readString(reader); err != nil {
			return nil, err
		}
	}

	if err := binary.Read(reader, binary.BigEndian, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &r.LastActivityAt); err != nil {
		return nil, err
	}

	n, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if int(n) > maxFlags {
		return nil, errors.New("too many session flags")
	}
	if n > 0 {
		r.SuspiciousFlags = make([]string, 0, n)
	}
	for i := 0; i < int(n); i++ {
		flag, err := readString(reader)
		if err != nil {
			return nil, err
		}
		r.SuspiciousFlags = append(r.SuspiciousFlags, flag)
	}

	if reader.Len() != 0 {
		return nil, errors.New("trailing session bytes")
	}
	return r, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxFieldLen {
		return errFieldTooLong
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxFieldLen {
		return "", errFieldTooLong
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
