package sip

import (
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/internal/util"
)

// NameAddr is an addressed header value: From, To, Contact, Route,
// Record-Route and Path entries.
type NameAddr struct {
	// Display is the optional display name.
	Display string
	// URI is the address.
	URI *URI
	// Params are the header parameters (tag, expires, reg-id, +sip.instance, ...).
	Params Values
}

// Clone returns a deep copy.
func (na *NameAddr) Clone() *NameAddr {
	if na == nil {
		return nil
	}
	na2 := *na
	na2.URI = na.URI.Clone()
	na2.Params = na.Params.Clone()
	return &na2
}

// Tag returns the tag header parameter, or "".
func (na *NameAddr) Tag() string {
	if na == nil {
		return ""
	}
	return na.Params.Last("tag")
}

// SetTag sets the tag header parameter.
func (na *NameAddr) SetTag(tag string) *NameAddr {
	if na.Params == nil {
		na.Params = make(Values)
	}
	na.Params.Set("tag", tag)
	return na
}

// Param returns the last value of a header parameter and whether it is present.
func (na *NameAddr) Param(key string) (string, bool) {
	if na == nil || !na.Params.Has(key) {
		return "", false
	}
	return na.Params.Last(key), true
}

// SetParam sets a header parameter.
func (na *NameAddr) SetParam(key, value string) *NameAddr {
	if na.Params == nil {
		na.Params = make(Values)
	}
	na.Params.Set(key, value)
	return na
}

// String renders the value in name-addr form.
func (na *NameAddr) String() string {
	if na == nil {
		return ""
	}
	var sb strings.Builder
	if na.Display != "" {
		sb.WriteByte('"')
		sb.WriteString(na.Display)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(na.URI.String())
	sb.WriteByte('>')
	for _, k := range sortedKeys(na.Params) {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v := na.Params.Last(k); v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (na *NameAddr) LogValue() slog.Value { return slog.StringValue(na.String()) }

// ParseNameAddr parses a name-addr or addr-spec header value.
func ParseNameAddr(raw string) (*NameAddr, error) {
	s := strings.TrimSpace(raw)
	na := new(NameAddr)

	if strings.HasPrefix(s, `"`) {
		end := strings.Index(s[1:], `"`)
		if end < 0 {
			return nil, errtrace.Wrap(NewInvalidArgumentError("unterminated display name in %q", raw))
		}
		na.Display = s[1 : end+1]
		s = strings.TrimSpace(s[end+2:])
	}

	if start := strings.IndexByte(s, '<'); start >= 0 {
		end := strings.IndexByte(s, '>')
		if end < start {
			return nil, errtrace.Wrap(NewInvalidArgumentError("unterminated angle quoting in %q", raw))
		}
		uri, err := ParseURI(s[start+1 : end])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		na.URI = uri
		for _, kv := range strings.Split(s[end+1:], ";") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			if na.Params == nil {
				na.Params = make(Values)
			}
			k, v, _ := strings.Cut(kv, "=")
			na.Params.Append(k, v)
		}
		return na, nil
	}

	// addr-spec form: header params are everything after the URI's own params,
	// which plain text cannot distinguish; treat trailing params as URI params.
	uri, err := ParseURI(s)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	na.URI = uri
	return na, nil
}

// Via is a single Via entry.
type Via struct {
	// Proto is the transport token: UDP, TCP, TLS, WS, WSS.
	Proto string
	// Host is the sent-by host.
	Host string
	// Port is the sent-by port, 0 when absent.
	Port uint16
	// Params are the Via parameters (branch, received, rport, ...).
	Params Values
}

// Clone returns a deep copy.
func (v *Via) Clone() *Via {
	if v == nil {
		return nil
	}
	v2 := *v
	v2.Params = v.Params.Clone()
	return &v2
}

// Branch returns the branch parameter, or "".
func (v *Via) Branch() string {
	if v == nil {
		return ""
	}
	return v.Params.Last("branch")
}

// IsRFC3261 reports whether the branch starts with the RFC 3261 magic cookie.
func (v *Via) IsRFC3261() bool { return strings.HasPrefix(v.Branch(), MagicCookie) }

// String renders the entry.
func (v *Via) String() string {
	if v == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("SIP/2.0/")
	sb.WriteString(util.UCase(v.Proto))
	sb.WriteByte(' ')
	sb.WriteString(v.Host)
	if v.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(v.Port)))
	}
	for _, k := range sortedKeys(v.Params) {
		sb.WriteByte(';')
		sb.WriteString(k)
		if val := v.Params.Last(k); val != "" {
			sb.WriteByte('=')
			sb.WriteString(val)
		}
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (v *Via) LogValue() slog.Value { return slog.StringValue(v.String()) }

// CSeq is the CSeq header value.
type CSeq struct {
	Num    uint32
	Method RequestMethod
}

// String renders the value.
func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Num), 10) + " " + string(c.Method) }

// LogValue implements [slog.LogValuer].
func (c CSeq) LogValue() slog.Value { return slog.StringValue(c.String()) }

// Source identifies where a message came from: the transport protocol and
// the remote address as seen by the receiving listener.
type Source struct {
	Proto string
	Addr  netip.AddrPort
}

// Equal reports whether two sources are the same origin.
func (s Source) Equal(other Source) bool {
	return util.EqFold(s.Proto, other.Proto) && s.Addr == other.Addr
}

// String renders "proto/addr".
func (s Source) String() string { return util.UCase(s.Proto) + "/" + s.Addr.String() }

// LogValue implements [slog.LogValuer].
func (s Source) LogValue() slog.Value { return slog.StringValue(s.String()) }
