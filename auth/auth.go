// Package auth implements digest authentication for the call engine:
// challenge generation, a TTL-bounded nonce cache and credential
// verification per RFC 2617 as profiled by the engine (Digest, MD5,
// qop=auth).
package auth

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/internal/util"
	"github.com/voclab/sipcall/sip"
)

// NonceCache is a time-bounded table of issued nonces keyed by
// (call-id, nonce), holding the requester address.
type NonceCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[nonceKey]nonceEntry

	stopOnce sync.Once
	done     chan struct{}
}

type nonceKey struct {
	callID string
	nonce  string
}

type nonceEntry struct {
	addr    netip.Addr
	expires time.Time
}

// NewNonceCache creates a nonce cache with the given lifetime and starts
// its expiry sweeper.
func NewNonceCache(ttl time.Duration) *NonceCache {
	c := &NonceCache{
		ttl:     ttl,
		entries: make(map[nonceKey]nonceEntry),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *NonceCache) sweep() {
	t := time.NewTicker(c.ttl)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// MakeNonce issues a fresh nonce bound to the call and requester address.
func (c *NonceCache) MakeNonce(callID string, addr netip.Addr) string {
	nonce := util.RandString(16)
	c.mu.Lock()
	c.entries[nonceKey{callID, nonce}] = nonceEntry{addr: addr, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nonce
}

// Lookup returns the address a nonce was issued to, if it is still live.
func (c *NonceCache) Lookup(callID, nonce string) (netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[nonceKey{callID, nonce}]
	if !ok || time.Now().After(e.expires) {
		return netip.Addr{}, false
	}
	return e.addr, true
}

// Stop terminates the expiry sweeper.
func (c *NonceCache) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Opaque derives the challenge opaque value from the service name.
func Opaque(service string) string { return sip.MD5Hex(service) }

// Challenge issues a fresh challenge header value for the request.
func Challenge(c *NonceCache, service, realm string, req *sip.Request) string {
	nonce := c.MakeNonce(req.CallID, req.Source().Addr.Addr())
	return sip.DigestChallenge(realm, nonce, Opaque(service))
}

// Verdict is the digest verification outcome.
type Verdict uint8

const (
	// VerdictOK means the response verified against the stored password.
	VerdictOK Verdict = iota
	// VerdictInvalid means the nonce was stale but the opaque matched:
	// the client should retry against a fresh challenge.
	VerdictInvalid
	// VerdictFailed means the check failed hard.
	VerdictFailed
)

// LogValue implements [slog.LogValuer].
func (v Verdict) LogValue() slog.Value {
	switch v {
	case VerdictOK:
		return slog.StringValue("ok")
	case VerdictInvalid:
		return slog.StringValue("invalid")
	default:
		return slog.StringValue("failed")
	}
}

// Verify checks a parsed digest header against the stored password.
//
// The request must use qop=auth with algorithm MD5. The nonce must be in
// the cache for this call-id and have been issued to the request source
// address; the address check is waived for ACK. The stored pass may be
// pre-hashed with the [sip.HA1Prefix].
func Verify(
	c *NonceCache,
	service string,
	da *sip.DigestAuth,
	method sip.RequestMethod,
	callID string,
	source netip.Addr,
	pass string,
) (Verdict, error) {
	if da == nil || da.Username == "" || da.Nonce == "" || da.Response == "" {
		return VerdictFailed, errtrace.Wrap(sip.ErrInvalidAuthHeader)
	}
	if !util.EqFold(da.Algorithm, "MD5") || !util.EqFold(da.QOP, "auth") {
		return VerdictFailed, errtrace.Wrap(sip.ErrInvalidAuthHeader)
	}
	if pass == "" {
		return VerdictFailed, errtrace.Wrap(sip.ErrNoPass)
	}

	addr, ok := c.Lookup(callID, da.Nonce)
	if !ok {
		if da.Opaque == Opaque(service) {
			return VerdictInvalid, nil
		}
		return VerdictFailed, errtrace.Wrap(sip.ErrUnknownNonce)
	}
	if !method.Equal(sip.MethodAck) && addr != source {
		return VerdictFailed, errtrace.Wrap(sip.ErrUnknownNonce)
	}

	// ACK reuses the INVITE credentials.
	ha2Method := method
	if method.Equal(sip.MethodAck) {
		ha2Method = sip.MethodInvite
	}
	ha1 := sip.HA1(da.Username, da.Realm, pass)
	ha2 := sip.MD5Hex(string(ha2Method), da.URI)
	want := sip.MD5Hex(ha1, da.Nonce, da.NC, da.CNonce, "auth", ha2)
	if want != da.Response {
		return VerdictFailed, nil
	}
	return VerdictOK, nil
}
