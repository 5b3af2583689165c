// Package sipcall is a SIP (RFC 3261) call engine: per-Call-ID actors
// owning the client and server transaction state machines, dialogs,
// parallel forking with best-response selection, and RFC 5626 outbound
// flow management with a registrar.
//
// The engine is organised bottom-up:
//
//   - sip: the message model (requests, responses, URIs, Via entries,
//     transport handles, timing configuration)
//   - call: the router, the per-Call-ID actor, the RFC 3261 Section 17
//     transaction state machines, dialogs and the proxy/fork engine
//   - outbound: RFC 5626 flow tokens and header synthesis
//   - registrar: the contact binding store
//   - auth: digest authentication
//   - dns: RFC 3263 server location
//
// Transport implementations live outside this module; the engine talks
// to them through [sip.Sender] and [sip.FlowRegistry].
package sipcall

// Version is the current package version.
var Version = "0.1.0"
