// Package sip provides the SIP message model shared by the call engine:
// request and response values, URIs, Via entries, transport handles and
// the RFC 3261 timing configuration.
//
// Values in this package are plain data. All mutation of live protocol
// state happens inside the owning call actor, see the call package.
package sip

import (
	"log/slog"

	"github.com/voclab/sipcall/internal/util"
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// RequestMethod is a SIP request method.
type RequestMethod string

// Standard request methods.
const (
	MethodInvite    RequestMethod = "INVITE"
	MethodAck       RequestMethod = "ACK"
	MethodCancel    RequestMethod = "CANCEL"
	MethodBye       RequestMethod = "BYE"
	MethodRegister  RequestMethod = "REGISTER"
	MethodOptions   RequestMethod = "OPTIONS"
	MethodSubscribe RequestMethod = "SUBSCRIBE"
	MethodNotify    RequestMethod = "NOTIFY"
	MethodRefer     RequestMethod = "REFER"
	MethodUpdate    RequestMethod = "UPDATE"
	MethodInfo      RequestMethod = "INFO"
	MethodMessage   RequestMethod = "MESSAGE"
	MethodPrack     RequestMethod = "PRACK"
)

// Equal reports whether two methods are equal ignoring case.
func (m RequestMethod) Equal(other RequestMethod) bool {
	return util.EqFold(string(m), string(other))
}

// IsDialogForming reports whether a 2xx to the method creates a dialog.
func (m RequestMethod) IsDialogForming() bool {
	switch {
	case m.Equal(MethodInvite), m.Equal(MethodSubscribe), m.Equal(MethodRefer), m.Equal(MethodNotify):
		return true
	}
	return false
}

// LogValue implements [slog.LogValuer].
func (m RequestMethod) LogValue() slog.Value { return slog.StringValue(string(m)) }

// Values maps a string key to a list of string values.
// The keys in the map are case-insensitive.
// It is typically used to store URI's or header's parameters.
type Values map[string][]string

// Get returns values associated with the given key.
func (vals Values) Get(key string) []string { return vals[util.LCase(key)] }

// First returns the first value associated with the key, or "".
func (vals Values) First(key string) string {
	v := vals[util.LCase(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Last returns the last value associated with the key, or "".
func (vals Values) Last(key string) string {
	v := vals[util.LCase(key)]
	if len(v) == 0 {
		return ""
	}
	return v[len(v)-1]
}

// Set sets the key to value. It replaces any existing values.
func (vals Values) Set(key, value string) Values {
	vals[util.LCase(key)] = []string{value}
	return vals
}

// Append appends value to the list associated with the key.
func (vals Values) Append(key, value string) Values {
	key = util.LCase(key)
	vals[key] = append(vals[key], value)
	return vals
}

// Del deletes the values associated with the key.
func (vals Values) Del(key string) Values {
	delete(vals, util.LCase(key))
	return vals
}

// Has checks whether a given key is in the list.
func (vals Values) Has(key string) bool {
	_, ok := vals[util.LCase(key)]
	return ok
}

// Clone returns a deep copy of the map.
func (vals Values) Clone() Values {
	var vals2 Values
	for k, vs := range vals {
		if vals2 == nil {
			vals2 = make(Values, len(vals))
		}
		vals2[k] = append([]string(nil), vs...)
	}
	return vals2
}
