package call

import (
	"github.com/voclab/sipcall/sip"
)

// RequestOptions modify how a UAC request is sent.
type RequestOptions struct {
	// Stateless sends the request without transaction timers; the response
	// is matched by the Via branch only. The transaction is still kept in
	// the call table until a final response or the check_call sweep drops it.
	Stateless bool
	// NoAutoExpire suppresses the CANCEL normally emitted when the
	// Expires timer of a pending INVITE fires.
	NoAutoExpire bool
	// Contact generates a fresh Contact for the request.
	Contact bool
	// RegID, when non-zero, adds the "reg-id" parameter to a generated
	// REGISTER Contact.
	RegID int
	// NoDialog suppresses dialog creation for the response.
	NoDialog bool
	// Body and ContentType fill the payload of generated in-dialog
	// requests.
	Body        []byte
	ContentType string
	// OnResponse, when set, receives the provisional and final responses
	// for the request; a 100 Trying is passed on only for Stateless
	// requests. It is called from the call actor; it
	// must not block.
	OnResponse func(*sip.Response)
}

func (o *RequestOptions) onResponse() func(*sip.Response) {
	if o == nil || o.OnResponse == nil {
		return func(*sip.Response) {}
	}
	return o.OnResponse
}

// ReplyOptions modify a UAS reply.
type ReplyOptions struct {
	// Reason overrides the default reason phrase.
	Reason string
	// To overrides the To entry; proxies forward the downstream tag.
	To *sip.NameAddr
	// Contacts are attached to the response.
	Contacts []*sip.NameAddr
	// Paths are attached to the response (REGISTER).
	Paths []*sip.NameAddr
	// Headers are extra opaque headers.
	Headers sip.Values
	// Supported and Require override the option-tag lists.
	Supported []string
	Require   []string
	// Expires sets the Expires header; zero or negative leaves it absent.
	Expires int
	// Body is the response payload.
	Body        []byte
	ContentType string
}

// work is a unit delivered to a call actor's mailbox.
type work interface{ workTag() string }

type workSendReq struct {
	req  *sip.Request
	opts *RequestOptions
	done chan sendResult
}

func (workSendReq) workTag() string { return "send_request" }

type sendResult struct {
	reqID sip.MsgID
	err   error
}

type workSendDialogReq struct {
	dialogID string
	method   sip.RequestMethod
	opts     *RequestOptions
	done     chan sendResult
}

func (workSendDialogReq) workTag() string { return "send_dialog_request" }

type workSendCancel struct {
	reqID sip.MsgID
	done  chan error
}

func (workSendCancel) workTag() string { return "send_cancel" }

type workSendReply struct {
	tsxID  int
	status sip.StatusCode
	opts   *ReplyOptions
	done   chan error
}

func (workSendReply) workTag() string { return "send_reply" }

type workRecvReq struct{ req *sip.Request }

func (workRecvReq) workTag() string { return "incoming_request" }

type workRecvRes struct{ res *sip.Response }

func (workRecvRes) workTag() string { return "incoming_response" }

// workApply runs a read-only introspection closure inside the actor.
// It backs [Service.Apply], [Service.ApplyDialog], [Service.ApplyTransaction]
// and [Service.Info].
type workApply struct {
	fn   func(*Call)
	done chan struct{}
}

func (workApply) workTag() string { return "apply" }

type workStopDialog struct{ dialogID string }

func (workStopDialog) workTag() string { return "stop_dialog" }

// workCrash makes the actor panic. Test only.
type workCrash struct{}

func (workCrash) workTag() string { return "crash" }

type workTimer struct {
	tag     string
	subject int
	seq     uint64
}

func (w workTimer) workTag() string { return "timer:" + w.tag }
