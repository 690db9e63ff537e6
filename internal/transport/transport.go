// Package transport carries the electrometer's textual protocol over a byte
// stream. Every variant serializes exchanges with a single mutex so that at
// most one request/reply is outstanding.
package transport

import (
	"context"
	"time"
)

const (
	// Terminator ends every request and every reply.
	Terminator = '\r'

	DefaultCommandTimeout = 2 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultBufferBudget   = 600 * time.Second
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultReadQuota      = 1024
)

// Transport is the capability set shared by the TCP, Serial and Mock variants.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// Send writes cmd plus the terminator. With expectReply it waits for a
	// terminated reply and returns it stripped of surrounding whitespace.
	Send(ctx context.Context, cmd string, expectReply bool) (string, error)

	// ReadUntilTerminator writes cmd and accumulates reply chunks until the
	// text ends with the terminator, a read yields nothing, or budget
	// elapses. On budget expiry the partial text is returned together with
	// ErrTransportTimeout.
	ReadUntilTerminator(ctx context.Context, cmd string, budget time.Duration) (string, error)

	// Kind names the variant for logs and metrics.
	Kind() string
}

type Options struct {
	CommandTimeout time.Duration
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	ReadQuota      int
}

func DefaultOptions() Options {
	return Options{
		CommandTimeout: DefaultCommandTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		PollInterval:   DefaultPollInterval,
		ReadQuota:      DefaultReadQuota,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ReadQuota <= 0 {
		o.ReadQuota = d.ReadQuota
	}
	return o
}
