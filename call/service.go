// Package call implements the per-Call-ID actor at the center of the
// engine: the router that owns one actor per Call-ID, the RFC 3261
// client and server transaction state machines, the dialog manager and
// the proxy/fork engine.
//
// All mutation of call state happens inside the owning actor; callers
// interact with it only through work items delivered by the router.
package call

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voclab/sipcall/auth"
	"github.com/voclab/sipcall/dns"
	"github.com/voclab/sipcall/log"
	"github.com/voclab/sipcall/sip"
)

// AuthResult is the verdict of the authorize callback.
type AuthResult struct {
	Kind  AuthResultKind
	Realm string
}

// AuthResultKind enumerates authorize callback verdicts.
type AuthResultKind uint8

const (
	// AuthOK admits the request.
	AuthOK AuthResultKind = iota
	// AuthForbidden rejects with 403.
	AuthForbidden
	// AuthAuthenticate challenges with 401.
	AuthAuthenticate
	// AuthProxyAuthenticate challenges with 407.
	AuthProxyAuthenticate
)

// RouteKind enumerates route callback verdicts.
type RouteKind uint8

const (
	// RouteProcess hands the request to the local handlers.
	RouteProcess RouteKind = iota
	// RouteProcessStateless is like RouteProcess without a server transaction.
	RouteProcessStateless
	// RouteReply answers immediately.
	RouteReply
	// RouteReplyStateless answers immediately without a server transaction.
	RouteReplyStateless
	// RouteProxy enters the fork engine.
	RouteProxy
	// RouteProxyStateless forwards with no fork state.
	RouteProxyStateless
	// RouteStrictProxy pops the top Route and forwards statelessly.
	RouteStrictProxy
)

// RouteReplyTo is the route callback verdict.
type RouteReplyTo struct {
	Kind RouteKind
	// Status and Reason apply to RouteReply / RouteReplyStateless.
	Status sip.StatusCode
	Reason string
	// Targets are the fork target groups for RouteProxy; groups are tried
	// sequentially, targets inside a group in parallel. Empty means the RURI.
	Targets [][]*sip.URI
	// Opts apply to RouteProxy / RouteProxyStateless.
	Opts ProxyOpts
}

// ProxyOpts are proxy and fork options.
type ProxyOpts struct {
	// FollowRedirects replaces the target set with 3xx Contacts.
	FollowRedirects bool
	// Record inserts a Record-Route on dialog-forming requests.
	Record bool
	// Path inserts a Path on REGISTER.
	Path bool
	// flow handling, set by the outbound plugin on the request path
	routeFlow  *sip.Transp
	recordFlow *sip.Transp
	flowOb     bool
}

// RouteFlow returns the connection the request must be forwarded on,
// decoded from a flow-token Route, or nil.
func (o *ProxyOpts) RouteFlow() *sip.Transp { return o.routeFlow }

// RecordFlow returns the connection recorded for flow-token synthesis, or nil.
func (o *ProxyOpts) RecordFlow() *sip.Transp { return o.recordFlow }

// FlowOb reports whether the recorded flow is annotated "ob".
func (o *ProxyOpts) FlowOb() bool { return o.flowOb }

// SetRouteFlow is used by the outbound plugin to switch the outgoing connection.
func (o *ProxyOpts) SetRouteFlow(t *sip.Transp) { o.routeFlow = t }

// SetRecordFlow is used by the outbound plugin to record the current flow.
func (o *ProxyOpts) SetRecordFlow(t *sip.Transp, ob bool) {
	o.recordFlow = t
	o.flowOb = o.flowOb || ob
}

// AuthData is the pre-parsed digest state handed to the authorize callback.
type AuthData struct {
	// Digest holds one entry per Authorization / Proxy-Authorization
	// header, with the verification verdict for each.
	Digest []DigestVerdict
	// DialogAuthorized is set when the request source is in the dialog's
	// authorized-origin set.
	DialogAuthorized bool
}

// DigestVerdict is the verification result for one digest header.
type DigestVerdict struct {
	Realm string
	User  string
	// OK is true when the digest verified against the stored password.
	OK bool
	// Invalid is true when the nonce was stale but the opaque matched:
	// the client should retry against a fresh challenge.
	Invalid bool
}

// Callbacks are implemented by the host application.
// A nil Callbacks (or any nil member behaviour) uses the defaults:
// authorize everything, process everything locally.
type Callbacks interface {
	// Authorize is invoked for every new UAS request.
	Authorize(data AuthData, req *sip.Request) AuthResult
	// Route decides how to dispatch a new UAS request.
	Route(scheme, user, host string, req *sip.Request) RouteReplyTo
	// Cancel notifies that an INVITE in progress was cancelled.
	Cancel(invite, cancel *sip.Request)
	// GetUserPass returns the stored password (possibly "HA1!"-prefixed)
	// for the user and realm, or "" when unknown.
	GetUserPass(user, realm string, req *sip.Request) string
}

// DefaultCallbacks implements Callbacks with the engine defaults.
// Embed it to override selected callbacks only.
type DefaultCallbacks struct{}

func (DefaultCallbacks) Authorize(AuthData, *sip.Request) AuthResult { return AuthResult{Kind: AuthOK} }

func (DefaultCallbacks) Route(_, _, _ string, _ *sip.Request) RouteReplyTo {
	return RouteReplyTo{Kind: RouteProcess}
}

func (DefaultCallbacks) Cancel(*sip.Request, *sip.Request) {}

func (DefaultCallbacks) GetUserPass(_, _ string, _ *sip.Request) string { return "" }

// OutboundPlugin hooks RFC 5626 flow handling into the engine.
// It is implemented by the outbound package.
type OutboundPlugin interface {
	// ProxyRoute inspects the request's routes on the proxy request path,
	// decoding flow tokens and recording flows into opts. It returns
	// [sip.ErrFlowFailed] when a flow token references a dead connection
	// and [sip.ErrInvalidFlowToken] when a token cannot be decoded.
	ProxyRoute(req *sip.Request, opts *ProxyOpts) error
	// RecordRoute builds the Record-Route entry for a dialog-forming request.
	RecordRoute(req *sip.Request, opts *ProxyOpts, branch string) *sip.NameAddr
	// Path builds the Path entry for a REGISTER.
	Path(req *sip.Request, opts *ProxyOpts, branch string) *sip.NameAddr
	// Contact decorates a locally generated Contact on dialog-forming
	// requests ("ob") and REGISTER ("reg-id", "+sip.instance").
	Contact(req *sip.Request, contact *sip.NameAddr, opts *RequestOptions)
}

// Resolver locates concrete transport targets for a URI per RFC 3263.
// The dns package provides the default implementation.
type Resolver interface {
	Resolve(ctx context.Context, uri *sip.URI) ([]dns.Target, error)
}

// RegistrarPlugin hooks the contact binding store into the engine.
// It is implemented by the registrar package.
type RegistrarPlugin interface {
	// ProcessRegister handles a REGISTER routed to the local service
	// and returns the reply to emit.
	ProcessRegister(req *sip.Request) (sip.StatusCode, *ReplyOptions)
}

// ProcessHandler is invoked for requests the route callback sends to
// RouteProcess and that the engine does not consume itself; in-dialog
// housekeeping (BYE, UPDATE, SUBSCRIBE, NOTIFY) and REGISTER with a registrar
// plugin never reach it. Reply must be called exactly once, possibly
// after returning.
type ProcessHandler func(req *sip.Request, reply func(status sip.StatusCode, opts *ReplyOptions))

// Config is the per-service configuration snapshot handed to every new
// call actor.
type Config struct {
	// Name identifies the service.
	Name string
	// Timings are the transaction-layer time constants.
	Timings sip.TimingConfig
	// MaxCalls caps concurrent call actors. 0 means the default 10000.
	MaxCalls int
	// MsgRouters is the router shard count, 1..127. 0 means 16.
	MsgRouters int
	// SyncCallTime is the default synchronous call timeout. 0 means 30s.
	SyncCallTime time.Duration
	// NonceTimeout is the digest nonce lifetime. 0 means 30s.
	NonceTimeout time.Duration
	// No100 suppresses the automatic 100 Trying on INVITE.
	No100 bool
	// ViaProto, ViaHost and ViaPort advertise the local transport in
	// generated Via and Contact entries.
	ViaProto string
	ViaHost  string
	ViaPort  uint16
	// Callbacks are the host application callbacks; nil uses defaults.
	Callbacks Callbacks
	// Handler consumes processed requests; nil uses engine defaults.
	Handler ProcessHandler
	// Sender is the transport layer the engine serialises messages through.
	Sender sip.Sender
	// Flows resolves flow tokens back to live connections.
	Flows sip.FlowRegistry
	// Outbound enables the RFC 5626 plugin.
	Outbound OutboundPlugin
	// Registrar enables the registrar plugin.
	Registrar RegistrarPlugin
	// Resolver resolves proxied targets with bare domain hosts; nil
	// leaves resolution to the transport layer.
	Resolver Resolver
	// Log is the service logger; nil uses [log.Default].
	Log *slog.Logger
}

func (c *Config) maxCalls() int {
	if c.MaxCalls <= 0 {
		return 10000
	}
	return c.MaxCalls
}

func (c *Config) msgRouters() int {
	switch {
	case c.MsgRouters <= 0:
		return 16
	case c.MsgRouters > 127:
		return 127
	}
	return c.MsgRouters
}

func (c *Config) syncCallTime() time.Duration {
	if c.SyncCallTime <= 0 {
		return 30 * time.Second
	}
	return c.SyncCallTime
}

func (c *Config) nonceTimeout() time.Duration {
	if c.NonceTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NonceTimeout
}

func (c *Config) viaProto() string {
	if c.ViaProto == "" {
		return "UDP"
	}
	return c.ViaProto
}

func (c *Config) viaHost() string {
	if c.ViaHost == "" {
		return "localhost"
	}
	return c.ViaHost
}

func (c *Config) callbacks() Callbacks {
	if c.Callbacks == nil {
		return DefaultCallbacks{}
	}
	return c.Callbacks
}

func (c *Config) log() *slog.Logger {
	if c.Log == nil {
		return log.Default()
	}
	return c.Log
}

// Service is a running SIP service: a sharded router over call actors
// plus the per-service singletons (nonce cache, config snapshot).
type Service struct {
	cfg    Config
	shards []*shard
	nonces *auth.NonceCache
	log    *slog.Logger

	liveCalls atomic.Int64
	stopped   chan struct{}
}

// NewService starts a service with the given configuration.
func NewService(cfg Config) *Service {
	s := &Service{
		cfg:     cfg,
		nonces:  auth.NewNonceCache(cfg.nonceTimeout()),
		log:     cfg.log().With(slog.String("service", cfg.Name)),
		stopped: make(chan struct{}),
	}
	s.shards = make([]*shard, cfg.msgRouters())
	for i := range s.shards {
		s.shards[i] = &shard{calls: make(map[string]*Call)}
	}
	return s
}

// Config returns the service configuration snapshot.
func (s *Service) Config() *Config { return &s.cfg }

// Nonces returns the service nonce cache.
func (s *Service) Nonces() *auth.NonceCache { return s.nonces }

// Stop terminates every call actor and rejects further work.
func (s *Service) Stop() {
	select {
	case <-s.stopped:
		return
	default:
		close(s.stopped)
	}
	for _, sh := range s.shards {
		sh.stopAll()
	}
	s.nonces.Stop()
}
