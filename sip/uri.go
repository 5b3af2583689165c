package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/internal/util"
)

// URI represents a SIP or SIPS URI.
type URI struct {
	// Secured selects the sips scheme.
	Secured bool
	// User is the user part, possibly a flow token.
	User string
	// Host is the host part, a domain name or an IP literal.
	Host string
	// Port is the port part, 0 when absent.
	Port uint16
	// Params are the URI parameters (transport, lr, ob, ...).
	Params Values
	// Headers are the URI headers after '?'.
	Headers Values
}

// Scheme returns "sip" or "sips".
func (u *URI) Scheme() string {
	if u.Secured {
		return "sips"
	}
	return "sip"
}

// IsZero reports whether the URI is unset.
func (u *URI) IsZero() bool { return u == nil || u.Host == "" }

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	u2.Headers = u.Headers.Clone()
	return &u2
}

// Param returns the last value of a URI parameter and whether it is present.
func (u *URI) Param(key string) (string, bool) {
	if u == nil || !u.Params.Has(key) {
		return "", false
	}
	return u.Params.Last(key), true
}

// SetParam sets a URI parameter, allocating the params map when needed.
func (u *URI) SetParam(key, value string) *URI {
	if u.Params == nil {
		u.Params = make(Values)
	}
	u.Params.Set(key, value)
	return u
}

// Transport returns the transport URI parameter upper-cased, or "".
func (u *URI) Transport() string {
	v, _ := u.Param("transport")
	return util.UCase(v)
}

// HostPort returns "host" or "host:port".
func (u *URI) HostPort() string {
	if u.Port == 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(int(u.Port))
}

// String renders the URI in RFC 3261 form.
func (u *URI) String() string {
	if u == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(u.Scheme())
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	for _, k := range sortedKeys(u.Params) {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v := u.Params.Last(k); v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	var i int
	for _, k := range sortedKeys(u.Headers) {
		for _, v := range u.Headers.Get(k) {
			if i == 0 {
				sb.WriteByte('?')
			} else {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
			i++
		}
	}
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (u *URI) LogValue() slog.Value { return slog.StringValue(u.String()) }

func sortedKeys(vals Values) []string {
	if len(vals) == 0 {
		return nil
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// ParseURI parses a SIP or SIPS URI from its textual form.
// It accepts the subset of RFC 3261 syntax the engine emits itself:
// scheme, optional user, host with optional port, parameters and headers.
func ParseURI(raw string) (*URI, error) {
	s := strings.TrimSpace(raw)
	u := new(URI)
	switch {
	case strings.HasPrefix(util.LCase(s), "sips:"):
		u.Secured = true
		s = s[len("sips:"):]
	case strings.HasPrefix(util.LCase(s), "sip:"):
		s = s[len("sip:"):]
	default:
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported uri scheme in %q", raw))
	}

	if core, rest, ok := strings.Cut(s, "?"); ok {
		u.Headers = make(Values)
		for _, kv := range strings.Split(rest, "&") {
			k, v, _ := strings.Cut(kv, "=")
			u.Headers.Append(k, v)
		}
		s = core
	}

	hostPart := s
	if user, rest, ok := strings.Cut(s, "@"); ok {
		u.User = user
		hostPart = rest
	}

	hostPort, params, hasParams := strings.Cut(hostPart, ";")
	if hasParams {
		u.Params = make(Values)
		for _, kv := range strings.Split(params, ";") {
			if kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			u.Params.Append(k, v)
		}
	}

	host, port, err := splitHostPort(hostPort)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if host == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("empty host in %q", raw))
	}
	u.Host = host
	u.Port = port
	return u, nil
}

func splitHostPort(s string) (string, uint16, error) {
	// IPv6 literal
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, errtrace.Wrap(NewInvalidArgumentError("unterminated IPv6 literal in %q", s))
		}
		host := s[:end+1]
		rest := s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, errtrace.Wrap(NewInvalidArgumentError("malformed host-port %q", s))
		}
		port, err := parsePort(rest[1:])
		return host, port, errtrace.Wrap(err)
	}
	host, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return host, 0, nil
	}
	port, err := parsePort(portStr)
	return host, port, errtrace.Wrap(err)
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errtrace.Wrap(NewInvalidArgumentError("invalid port %q", s))
	}
	return uint16(n), nil
}
