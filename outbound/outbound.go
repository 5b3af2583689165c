// Package outbound implements RFC 5626 flow management for the call
// engine: flow tokens embedded in Record-Route and Path URIs, header
// synthesis on the proxy path, and flow-failure detection.
package outbound

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/voclab/sipcall/call"
	"github.com/voclab/sipcall/sip"
)

// Token prefixes used as the URI user part. NkF marks a live flow
// reference, NkQ a branch-derived quoted token.
const (
	FlowPrefix  = "NkF"
	QuotePrefix = "NkQ"
)

// EncodeFlowToken encodes a transport handle as an NkF URI user part.
func EncodeFlowToken(t *sip.Transp) string {
	raw := fmt.Sprintf("%s|%d|%d|%s|%s", t.Proto, t.Index, t.Epoch, t.Local, t.Remote)
	return FlowPrefix + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeFlowToken decodes an NkF URI user part and resolves it against
// the registry. It returns [sip.ErrInvalidFlowToken] for undecodable
// tokens and [sip.ErrFlowFailed] when the connection has died.
func DecodeFlowToken(user string, flows sip.FlowRegistry) (*sip.Transp, error) {
	if !strings.HasPrefix(user, FlowPrefix) {
		return nil, errtrace.Wrap(sip.ErrInvalidFlowToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(user[len(FlowPrefix):])
	if err != nil {
		return nil, errtrace.Wrap(sip.ErrInvalidFlowToken)
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 5 {
		return nil, errtrace.Wrap(sip.ErrInvalidFlowToken)
	}
	index, err1 := strconv.ParseUint(parts[1], 10, 32)
	epoch, err2 := strconv.ParseUint(parts[2], 10, 32)
	if err1 != nil || err2 != nil {
		return nil, errtrace.Wrap(sip.ErrInvalidFlowToken)
	}
	if _, err := netip.ParseAddrPort(parts[3]); err != nil {
		return nil, errtrace.Wrap(sip.ErrInvalidFlowToken)
	}

	t, err := flows.LookupFlow(uint32(index), uint32(epoch))
	if err != nil {
		return nil, errtrace.Wrap(sip.ErrFlowFailed)
	}
	return t, nil
}

// QuoteToken derives the NkQ token for a branch.
func QuoteToken(service, branch string) string {
	return QuotePrefix + sip.MD5Hex(sip.GlobalID(), service, branch)[:16]
}

// Options configure the plugin.
type Options struct {
	// Service is the owning service name, mixed into NkQ tokens.
	Service string
	// Host and Port are the local listen address used in generated
	// Record-Route, Path and Contact URIs.
	Host string
	Port uint16
	// Flows resolves flow tokens back to live connections.
	Flows sip.FlowRegistry
	// InstanceID overrides the generated "+sip.instance" URN.
	InstanceID string
}

// Outbound is the RFC 5626 plugin. It implements [call.OutboundPlugin].
type Outbound struct {
	service    string
	host       string
	port       uint16
	flows      sip.FlowRegistry
	instanceID string
}

// New creates the plugin. The instance id is generated once per plugin
// and identifies the device across registrations.
func New(opts Options) *Outbound {
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = "<urn:uuid:" + uuid.NewString() + ">"
	}
	return &Outbound{
		service:    opts.Service,
		host:       opts.Host,
		port:       opts.Port,
		flows:      opts.Flows,
		instanceID: instanceID,
	}
}

// InstanceID returns the plugin's "+sip.instance" URN.
func (ob *Outbound) InstanceID() string { return ob.instanceID }

// ProxyRoute inspects the routes of a proxied request on the request
// path, decoding flow tokens and recording flows into opts.
func (ob *Outbound) ProxyRoute(req *sip.Request, opts *call.ProxyOpts) error {
	if req.Method.Equal(sip.MethodRegister) {
		ob.proxyRegister(req, opts)
		return nil
	}
	if !req.HasSupported("outbound") || len(req.Routes) == 0 {
		return nil
	}

	top := req.Routes[0]
	if top.URI == nil {
		return nil
	}
	_, routeOb := top.URI.Param("ob")

	if strings.HasPrefix(top.URI.User, FlowPrefix) {
		flow, err := DecodeFlowToken(top.URI.User, ob.flows)
		if err != nil {
			return errtrace.Wrap(err)
		}
		if flow.SameFlow(req.Transp) {
			// the request already arrived on its own flow
			opts.SetRecordFlow(req.Transp, false)
			return nil
		}
		opts.SetRouteFlow(flow)
		if routeOb || contactHasOb(req) {
			opts.SetRecordFlow(flow, false)
		}
		return nil
	}

	if routeOb && req.Transp != nil {
		opts.SetRecordFlow(req.Transp, false)
	}
	return nil
}

// proxyRegister records the receiving connection of an outbound-capable
// REGISTER: path supported, outbound supported, exactly one Contact
// carrying reg-id. A first-hop proxy (single Via) annotates "ob".
func (ob *Outbound) proxyRegister(req *sip.Request, opts *call.ProxyOpts) {
	if !opts.Path || req.Transp == nil {
		return
	}
	if !req.HasSupported("path") || !req.HasSupported("outbound") {
		return
	}
	if len(req.Contacts) != 1 {
		return
	}
	if _, ok := req.Contacts[0].Param("reg-id"); !ok {
		return
	}
	firstHop := len(req.Vias) == 1
	opts.SetRecordFlow(req.Transp, firstHop)
}

func contactHasOb(req *sip.Request) bool {
	for _, contact := range req.Contacts {
		if _, ok := contact.Param("ob"); ok {
			return true
		}
		if contact.URI != nil {
			if _, ok := contact.URI.Param("ob"); ok {
				return true
			}
		}
	}
	return false
}

// tokenURI builds the Record-Route / Path URI for the branch: an NkF
// flow token when a flow was recorded, the NkQ variant otherwise.
func (ob *Outbound) tokenURI(opts *call.ProxyOpts, branch string) *sip.URI {
	user := QuoteToken(ob.service, branch)
	if flow := opts.RecordFlow(); flow != nil {
		user = EncodeFlowToken(flow)
	}
	u := &sip.URI{
		User:   user,
		Host:   ob.host,
		Port:   ob.port,
		Params: sip.Values{}.Set("lr", ""),
	}
	return u
}

// RecordRoute builds the Record-Route entry for a dialog-forming request.
func (ob *Outbound) RecordRoute(req *sip.Request, opts *call.ProxyOpts, branch string) *sip.NameAddr {
	return &sip.NameAddr{URI: ob.tokenURI(opts, branch)}
}

// Path builds the Path entry for a REGISTER. It carries lr always and
// ob when the recorded flow was annotated.
func (ob *Outbound) Path(req *sip.Request, opts *call.ProxyOpts, branch string) *sip.NameAddr {
	u := ob.tokenURI(opts, branch)
	if opts.FlowOb() {
		u.SetParam("ob", "")
	}
	return &sip.NameAddr{URI: u}
}

// Contact decorates a locally generated Contact: "ob" on dialog-forming
// requests with outbound support, "reg-id" and "+sip.instance" on
// REGISTER.
func (ob *Outbound) Contact(req *sip.Request, contact *sip.NameAddr, opts *call.RequestOptions) {
	if req.DialogForming() && req.HasSupported("outbound") {
		contact.SetParam("ob", "")
	}
	if req.Method.Equal(sip.MethodRegister) {
		if opts != nil && opts.RegID != 0 {
			contact.SetParam("reg-id", strconv.Itoa(opts.RegID))
		}
		if _, ok := contact.Param("+sip.instance"); !ok {
			contact.SetParam("+sip.instance", `"`+ob.instanceID+`"`)
		}
	}
}
