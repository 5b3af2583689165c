package sip_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/voclab/sipcall/sip"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want *sip.URI
	}{
		{
			name: "host only",
			in:   "sip:example.com",
			want: &sip.URI{Host: "example.com"},
		},
		{
			name: "user host port",
			in:   "sip:alice@example.com:5070",
			want: &sip.URI{User: "alice", Host: "example.com", Port: 5070},
		},
		{
			name: "sips",
			in:   "sips:bob@secure.example.com",
			want: &sip.URI{Secured: true, User: "bob", Host: "secure.example.com"},
		},
		{
			name: "params",
			in:   "sip:alice@example.com;transport=tcp;lr",
			want: &sip.URI{
				User:   "alice",
				Host:   "example.com",
				Params: sip.Values{}.Set("transport", "tcp").Set("lr", ""),
			},
		},
		{
			name: "headers",
			in:   "sip:alice@example.com?route=abc&route=def",
			want: &sip.URI{
				User:    "alice",
				Host:    "example.com",
				Headers: sip.Values{}.Append("route", "abc").Append("route", "def"),
			},
		},
		{
			name: "ipv6",
			in:   "sip:[2001:db8::1]:5080",
			want: &sip.URI{Host: "[2001:db8::1]", Port: 5080},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ParseURI(tt.in)
			if err != nil {
				t.Fatalf("sip.ParseURI(%q) error = %v, want nil", tt.in, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("sip.ParseURI(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestParseURI_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "example.com", "http://example.com", "sip:", "sip:alice@host:notaport"} {
		if _, err := sip.ParseURI(in); err == nil {
			t.Errorf("sip.ParseURI(%q) error = nil, want error", in)
		}
	}
}

func TestURI_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"sip:example.com",
		"sip:alice@example.com:5070",
		"sips:bob@secure.example.com",
		"sip:alice@example.com;lr;transport=tcp",
	} {
		u, err := sip.ParseURI(in)
		if err != nil {
			t.Fatalf("sip.ParseURI(%q) error = %v, want nil", in, err)
		}
		u2, err := sip.ParseURI(u.String())
		if err != nil {
			t.Fatalf("sip.ParseURI(%q) error = %v, want nil", u.String(), err)
		}
		if diff := cmp.Diff(u, u2); diff != "" {
			t.Fatalf("round trip of %q mismatch (-first +second):\n%s", in, diff)
		}
	}
}

func TestParseNameAddr(t *testing.T) {
	t.Parallel()

	na, err := sip.ParseNameAddr(`"Alice" <sip:alice@example.com;transport=tcp>;tag=abc123;expires=60`)
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}
	if na.Display != "Alice" {
		t.Errorf("Display = %q, want %q", na.Display, "Alice")
	}
	if na.URI.User != "alice" || na.URI.Host != "example.com" {
		t.Errorf("URI = %v, want alice@example.com", na.URI)
	}
	if got, want := na.URI.Transport(), "TCP"; got != want {
		t.Errorf("URI.Transport() = %q, want %q", got, want)
	}
	if got, want := na.Tag(), "abc123"; got != want {
		t.Errorf("Tag() = %q, want %q", got, want)
	}
	if v, _ := na.Param("expires"); v != "60" {
		t.Errorf(`Param("expires") = %q, want "60"`, v)
	}
}

func TestParseNameAddr_AddrSpec(t *testing.T) {
	t.Parallel()

	na, err := sip.ParseNameAddr("sip:bob@example.com")
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}
	if na.URI.User != "bob" {
		t.Errorf("URI.User = %q, want %q", na.URI.User, "bob")
	}
	if na.Tag() != "" {
		t.Errorf("Tag() = %q, want empty", na.Tag())
	}
}

func TestVia_Branch(t *testing.T) {
	t.Parallel()

	v := &sip.Via{
		Proto:  "UDP",
		Host:   "client.example.com",
		Port:   5060,
		Params: sip.Values{}.Set("branch", sip.MagicCookie+"abcdef"),
	}
	if got, want := v.Branch(), sip.MagicCookie+"abcdef"; got != want {
		t.Errorf("Branch() = %q, want %q", got, want)
	}
	if !v.IsRFC3261() {
		t.Error("IsRFC3261() = false, want true")
	}

	legacy := &sip.Via{Proto: "UDP", Host: "old.example.com", Params: sip.Values{}.Set("branch", "1")}
	if legacy.IsRFC3261() {
		t.Error("IsRFC3261() = true for pre-RFC branch, want false")
	}
}
