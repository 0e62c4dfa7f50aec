package transports

import (
	"context"

	"github.com/parkvoice/joanne/pkg/frames"
)

// Transport is the media boundary of the engine: it turns carrier traffic
// into frames and frames back into carrier traffic. Implementations own
// their network lifecycle; the engine only calls Start, Stop, Recv, Send.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// DTMFSender plays digits into an active call (gate codes, IVR menus on the
// far side of a transfer).
type DTMFSender interface {
	SendDTMF(ctx context.Context, callSID, digits string) error
}

// OutboundDialer starts a call from the agent's side.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter exposes startup metadata worth logging, like the webhook
// URLs an operator must register with the carrier.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
