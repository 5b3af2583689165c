package sip

import (
	"log/slog"
	"slices"

	"github.com/voclab/sipcall/internal/util"
)

// MsgID is a stable, locally unique message identifier.
type MsgID uint64

// commonMsg carries the fields shared by requests and responses.
type commonMsg struct {
	// ID is the stable message id.
	ID MsgID
	// From and To carry URI plus tag.
	From *NameAddr
	To   *NameAddr
	// CallID groups the message into a call.
	CallID string
	// CSeq is the command sequence.
	CSeq CSeq
	// Vias is the ordered Via list, topmost first.
	Vias []*Via
	// Routes is the ordered Route set.
	Routes []*NameAddr
	// RecordRoutes is the ordered Record-Route set.
	RecordRoutes []*NameAddr
	// Paths is the ordered Path set (RFC 3327).
	Paths []*NameAddr
	// Contacts is the ordered Contact list.
	Contacts []*NameAddr
	// Supported and Require are option-tag lists.
	Supported []string
	Require   []string
	// Expires is the Expires header in seconds, negative when absent.
	Expires int
	// ContentType labels the body.
	ContentType string
	// Headers holds the remaining headers: case-insensitive name to the
	// ordered list of raw values.
	Headers Values
	// Body is the opaque payload.
	Body []byte
	// Transp describes the connection the message was received on or
	// must be sent on.
	Transp *Transp
}

func (m *commonMsg) cloneCommon() commonMsg {
	m2 := *m
	m2.From = m.From.Clone()
	m2.To = m.To.Clone()
	m2.Vias = cloneVias(m.Vias)
	m2.Routes = cloneAddrs(m.Routes)
	m2.RecordRoutes = cloneAddrs(m.RecordRoutes)
	m2.Paths = cloneAddrs(m.Paths)
	m2.Contacts = cloneAddrs(m.Contacts)
	m2.Supported = slices.Clone(m.Supported)
	m2.Require = slices.Clone(m.Require)
	m2.Headers = m.Headers.Clone()
	m2.Body = slices.Clone(m.Body)
	return m2
}

// Via returns the topmost Via entry, or nil.
func (m *commonMsg) Via() *Via {
	if len(m.Vias) == 0 {
		return nil
	}
	return m.Vias[0]
}

// FromTag returns the From tag.
func (m *commonMsg) FromTag() string { return m.From.Tag() }

// ToTag returns the To tag.
func (m *commonMsg) ToTag() string { return m.To.Tag() }

// HasSupported reports whether the option tag is in the Supported list.
func (m *commonMsg) HasSupported(tag string) bool {
	return slices.ContainsFunc(m.Supported, func(s string) bool { return util.EqFold(s, tag) })
}

// HasRequire reports whether the option tag is in the Require list.
func (m *commonMsg) HasRequire(tag string) bool {
	return slices.ContainsFunc(m.Require, func(s string) bool { return util.EqFold(s, tag) })
}

// Source returns the message origin.
func (m *commonMsg) Source() Source { return m.Transp.Source() }

// Request is a SIP request.
type Request struct {
	commonMsg
	// Method is the request method.
	Method RequestMethod
	// RURI is the request URI.
	RURI *URI
	// MaxForwards is the remaining hop budget.
	MaxForwards int
}

// NewRequest builds a request skeleton with a fresh message id.
func NewRequest(method RequestMethod, ruri *URI) *Request {
	return &Request{
		commonMsg: commonMsg{
			ID:      NextMsgID(),
			Expires: -1,
		},
		Method:      method,
		RURI:        ruri,
		MaxForwards: 70,
	}
}

// Clone returns a deep copy with the same message id.
func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}
	req2 := *req
	req2.commonMsg = req.cloneCommon()
	req2.RURI = req.RURI.Clone()
	return &req2
}

// IsValid reports whether the mandatory fields are set.
func (req *Request) IsValid() bool {
	return req != nil && req.Method != "" && !req.RURI.IsZero() &&
		req.From != nil && req.To != nil && req.CallID != "" && len(req.Vias) > 0
}

// DialogForming reports whether the request can create a dialog.
func (req *Request) DialogForming() bool { return req.Method.IsDialogForming() }

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("method", req.Method),
		slog.Any("ruri", req.RURI),
		slog.String("call_id", req.CallID),
		slog.Any("cseq", req.CSeq),
	)
}

// Response is a SIP response.
type Response struct {
	commonMsg
	// Status is the response code.
	Status StatusCode
	// Reason is the reason phrase; synthetic responses use it to name
	// the condition that produced them.
	Reason string
}

// NewResponse builds a response to req with a fresh message id.
// Via, From, To, Call-ID and CSeq are copied from the request per
// RFC 3261 Section 8.2.6.2.
func NewResponse(req *Request, status StatusCode, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	res := &Response{
		commonMsg: commonMsg{
			ID:      NextMsgID(),
			From:    req.From.Clone(),
			To:      req.To.Clone(),
			CallID:  req.CallID,
			CSeq:    req.CSeq,
			Vias:    cloneVias(req.Vias),
			Expires: -1,
			Transp:  req.Transp,
		},
		Status: status,
		Reason: reason,
	}
	return res
}

// Clone returns a deep copy with the same message id.
func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}
	res2 := *res
	res2.commonMsg = res.cloneCommon()
	return &res2
}

// IsValid reports whether the mandatory fields are set.
func (res *Response) IsValid() bool {
	return res != nil && res.Status >= 100 && res.Status <= 699 &&
		res.From != nil && res.To != nil && res.CallID != "" && len(res.Vias) > 0
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("status", res.Status),
		slog.String("reason", res.Reason),
		slog.String("call_id", res.CallID),
		slog.Any("cseq", res.CSeq),
	)
}

func cloneVias(vias []*Via) []*Via {
	if vias == nil {
		return nil
	}
	out := make([]*Via, len(vias))
	for i, v := range vias {
		out[i] = v.Clone()
	}
	return out
}

func cloneAddrs(addrs []*NameAddr) []*NameAddr {
	if addrs == nil {
		return nil
	}
	out := make([]*NameAddr, len(addrs))
	for i, a := range addrs {
		out[i] = a.Clone()
	}
	return out
}
