package auth_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/voclab/sipcall/auth"
	"github.com/voclab/sipcall/sip"
)

const testService = "registrar-test"

func newDigest(user, realm, nonce, uri string, method sip.RequestMethod, pass string) *sip.DigestAuth {
	ha1 := sip.HA1(user, realm, pass)
	ha2 := sip.MD5Hex(string(method), uri)
	return &sip.DigestAuth{
		Realm:     realm,
		Nonce:     nonce,
		Opaque:    auth.Opaque(testService),
		Algorithm: "MD5",
		Username:  user,
		URI:       uri,
		QOP:       "auth",
		NC:        "00000001",
		CNonce:    "cn",
		Response:  sip.MD5Hex(ha1, nonce, "00000001", "cn", "auth", ha2),
	}
}

func TestVerify_OK(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	nonce := c.MakeNonce("call-1", addr)

	da := newDigest("alice", "example.com", nonce, "sip:example.com", sip.MethodRegister, "secret")
	v, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", addr, "secret")
	if err != nil {
		t.Fatalf("auth.Verify() error = %v, want nil", err)
	}
	if v != auth.VerdictOK {
		t.Fatalf("auth.Verify() = %v, want ok", v)
	}
}

func TestVerify_HA1Password(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	nonce := c.MakeNonce("call-1", addr)

	stored := sip.HA1Prefix + sip.MD5Hex("alice", "example.com", "secret")
	da := newDigest("alice", "example.com", nonce, "sip:example.com", sip.MethodRegister, "secret")
	v, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", addr, stored)
	if err != nil {
		t.Fatalf("auth.Verify() error = %v, want nil", err)
	}
	if v != auth.VerdictOK {
		t.Fatalf("auth.Verify() = %v, want ok", v)
	}
}

func TestVerify_WrongSource(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	issued := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	nonce := c.MakeNonce("call-1", issued)

	da := newDigest("alice", "example.com", nonce, "sip:example.com", sip.MethodRegister, "secret")
	_, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", other, "secret")
	if !errors.Is(err, sip.ErrUnknownNonce) {
		t.Fatalf("auth.Verify() error = %v, want %v", err, sip.ErrUnknownNonce)
	}
}

func TestVerify_ACKWaivesSourceAndReusesInvite(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	issued := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")
	nonce := c.MakeNonce("call-1", issued)

	// the ACK digest is computed over INVITE
	da := newDigest("alice", "example.com", nonce, "sip:example.com", sip.MethodInvite, "secret")
	v, err := auth.Verify(c, testService, da, sip.MethodAck, "call-1", other, "secret")
	if err != nil {
		t.Fatalf("auth.Verify() error = %v, want nil", err)
	}
	if v != auth.VerdictOK {
		t.Fatalf("auth.Verify() = %v, want ok", v)
	}
}

func TestVerify_StaleNonceWithOpaque(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	da := newDigest("alice", "example.com", "never-issued", "sip:example.com", sip.MethodRegister, "secret")

	v, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", addr, "secret")
	if err != nil {
		t.Fatalf("auth.Verify() error = %v, want nil", err)
	}
	if v != auth.VerdictInvalid {
		t.Fatalf("auth.Verify() = %v, want invalid (retry with fresh challenge)", v)
	}
}

func TestVerify_UnknownNonceWithoutOpaque(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	da := newDigest("alice", "example.com", "never-issued", "sip:example.com", sip.MethodRegister, "secret")
	da.Opaque = "someone-else"

	_, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", addr, "secret")
	if !errors.Is(err, sip.ErrUnknownNonce) {
		t.Fatalf("auth.Verify() error = %v, want %v", err, sip.ErrUnknownNonce)
	}
}

func TestVerify_BadHeader(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	nonce := c.MakeNonce("call-1", addr)

	da := newDigest("alice", "example.com", nonce, "sip:example.com", sip.MethodRegister, "secret")
	da.QOP = "auth-int"
	_, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", addr, "secret")
	if !errors.Is(err, sip.ErrInvalidAuthHeader) {
		t.Fatalf("auth.Verify() error = %v, want %v", err, sip.ErrInvalidAuthHeader)
	}

	_, err = auth.Verify(c, testService, nil, sip.MethodRegister, "call-1", addr, "secret")
	if !errors.Is(err, sip.ErrInvalidAuthHeader) {
		t.Fatalf("auth.Verify(nil) error = %v, want %v", err, sip.ErrInvalidAuthHeader)
	}
}

func TestVerify_NoPass(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(time.Minute)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	nonce := c.MakeNonce("call-1", addr)

	da := newDigest("alice", "example.com", nonce, "sip:example.com", sip.MethodRegister, "secret")
	_, err := auth.Verify(c, testService, da, sip.MethodRegister, "call-1", addr, "")
	if !errors.Is(err, sip.ErrNoPass) {
		t.Fatalf("auth.Verify() error = %v, want %v", err, sip.ErrNoPass)
	}
}

func TestNonceCache_Expiry(t *testing.T) {
	t.Parallel()

	c := auth.NewNonceCache(20 * time.Millisecond)
	defer c.Stop()

	addr := netip.MustParseAddr("10.0.0.1")
	nonce := c.MakeNonce("call-1", addr)

	if _, ok := c.Lookup("call-1", nonce); !ok {
		t.Fatal("Lookup() right after issue = miss, want hit")
	}
	if _, ok := c.Lookup("call-2", nonce); ok {
		t.Fatal("Lookup() with wrong call-id = hit, want miss")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Lookup("call-1", nonce); ok {
		t.Fatal("Lookup() after expiry = hit, want miss")
	}
}
