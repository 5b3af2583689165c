package sip

import (
	"context"
	"log/slog"
	"net/netip"

	"github.com/voclab/sipcall/internal/util"
)

// Transp is a handle to a transport connection or listener.
// It describes the connection a message was received on or must be sent on.
//
// The transport layer itself lives outside the engine; Index plus Epoch
// identify a slot in its connection registry, and Epoch guards against a
// reused slot validating a stale flow token.
type Transp struct {
	// Proto is the transport protocol: UDP, TCP, TLS, WS, WSS.
	Proto string `json:"proto"`
	// Index is the connection slot in the transport registry.
	Index uint32 `json:"index"`
	// Epoch is the slot generation counter.
	Epoch uint32 `json:"epoch"`
	// Local is the local listen address.
	Local netip.AddrPort `json:"local"`
	// Remote is the peer address.
	Remote netip.AddrPort `json:"remote"`
}

// Reliable reports whether the transport is connection-oriented.
// Retransmission timers are suppressed on reliable transports.
func (t *Transp) Reliable() bool {
	return t != nil && !util.EqFold(t.Proto, "UDP")
}

// Source returns the message origin carried by the handle.
func (t *Transp) Source() Source {
	if t == nil {
		return Source{}
	}
	return Source{Proto: t.Proto, Addr: t.Remote}
}

// SameFlow reports whether two handles reference the same live connection.
func (t *Transp) SameFlow(other *Transp) bool {
	if t == nil || other == nil {
		return false
	}
	return t.Index == other.Index && t.Epoch == other.Epoch && util.EqFold(t.Proto, other.Proto)
}

// LogValue implements [slog.LogValuer].
func (t *Transp) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("proto", t.Proto),
		slog.Uint64("index", uint64(t.Index)),
		slog.Uint64("epoch", uint64(t.Epoch)),
		slog.String("local", t.Local.String()),
		slog.String("remote", t.Remote.String()),
	)
}

// FlowRegistry resolves transport handles back to live connections.
// It is implemented by the transport connection pool.
type FlowRegistry interface {
	// LookupFlow returns the live handle for the slot, [ErrFlowFailed]
	// when the connection has died or the epoch does not match.
	LookupFlow(index, epoch uint32) (*Transp, error)
}

// Sender serialises messages through the transport layer.
// It is implemented by the transport connection pool.
type Sender interface {
	// SendRequest sends the request on req.Transp, or resolves a target
	// from the RURI / top Route when req.Transp is nil.
	SendRequest(ctx context.Context, req *Request) error
	// SendResponse sends the response per the top Via of res.
	SendResponse(ctx context.Context, res *Response) error
}
