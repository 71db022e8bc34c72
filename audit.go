package gatekeeper

import (
	"io"
	"log/slog"

	"github.com/MrEthical07/gatekeeper/internal/audit"
)

// AuditEvent is one security-relevant event. Events never carry secrets:
// no passwords, codes, tokens or hashes.
type AuditEvent = audit.Event

// AuditSink receives audit events from a background dispatcher.
type AuditSink = audit.Sink

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	SlogSink       = audit.SlogSink
	MultiSink      = audit.MultiSink
	SinkFunc       = audit.SinkFunc
)

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// NewSlogSink logs every event through logger.
func NewSlogSink(logger *slog.Logger) SlogSink {
	return SlogSink{Logger: logger}
}
