// Package audit forwards security events to a Sink off the request path.
//
// The Dispatcher buffers events in a bounded channel and either drops or
// blocks when it is full. It never decides which events exist; the engine
// does that.
package audit
