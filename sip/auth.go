package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DigestAuth carries the parsed state of a Digest Authorization or
// Proxy-Authorization header value. Only Digest with MD5 is supported.
type DigestAuth struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string
	Username  string
	URI       string
	Response  string
	QOP       string
	NC        string
	CNonce    string
	Other     map[string]string
}

var authParamRe = regexp.MustCompile(`([\w.+-]+)\s*=\s*(?:"([^"]*)"|([^",\s]+))`)

// ParseDigestAuth parses a Digest header value. Returns nil when the value
// does not use the Digest scheme.
func ParseDigestAuth(value string) *DigestAuth {
	if !strings.HasPrefix(strings.TrimSpace(value), "Digest") {
		return nil
	}
	auth := &DigestAuth{
		Algorithm: "MD5",
		Other:     make(map[string]string),
	}
	for _, match := range authParamRe.FindAllStringSubmatch(value, -1) {
		val := match[2]
		if val == "" {
			val = match[3]
		}
		switch strings.ToLower(match[1]) {
		case "realm":
			auth.Realm = val
		case "nonce":
			auth.Nonce = val
		case "opaque":
			auth.Opaque = val
		case "algorithm":
			auth.Algorithm = val
		case "username":
			auth.Username = val
		case "uri":
			auth.URI = val
		case "response":
			auth.Response = val
		case "qop":
			auth.QOP = val
		case "nc":
			auth.NC = val
		case "cnonce":
			auth.CNonce = val
		case "digest":
			// scheme token consumed by the regexp on malformed input
		default:
			auth.Other[strings.ToLower(match[1])] = val
		}
	}
	return auth
}

// DigestChallenge renders a WWW-Authenticate / Proxy-Authenticate value.
func DigestChallenge(realm, nonce, opaque string) string {
	return fmt.Sprintf(`Digest realm=%q, nonce=%q, opaque=%q, algorithm=MD5, qop="auth"`,
		realm, nonce, opaque)
}

// MD5Hex returns the lower-case hex MD5 of the concatenated parts.
func MD5Hex(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// HA1Prefix marks a stored password that is already an HA1 hash.
const HA1Prefix = "HA1!"

// HA1 computes the digest HA1 term for the credentials. A stored pass
// carrying [HA1Prefix] is used directly.
func HA1(user, realm, pass string) string {
	if strings.HasPrefix(pass, HA1Prefix) {
		return pass[len(HA1Prefix):]
	}
	return MD5Hex(user, realm, pass)
}
