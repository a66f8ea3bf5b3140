package server

import "time"

// Options tunes the relay. Zero fields take the value from DefaultOptions.
type Options struct {
	// HandshakeTimeout bounds the upstream Authenticating state.
	HandshakeTimeout time.Duration
	// DialTimeout bounds the upstream WebSocket handshake.
	DialTimeout time.Duration
	// BackoffBase is the first reconnect delay.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration
	// RequestTimeout is how long a forwarded request may wait for its reply
	// before the client is told it failed.
	RequestTimeout time.Duration
	// SweepInterval is the period of the expiry and timeout sweep.
	SweepInterval time.Duration
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// MaxMessageSize limits inbound client frames.
	MaxMessageSize int64
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		DialTimeout:      10 * time.Second,
		BackoffBase:      time.Second,
		BackoffMax:       60 * time.Second,
		RequestTimeout:   60 * time.Second,
		SweepInterval:    5 * time.Second,
		SendBuffer:       256,
		MaxMessageSize:   1 << 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = max(d.BackoffMax, o.BackoffBase)
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}
