package call_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/voclab/sipcall/call"
	"github.com/voclab/sipcall/log"
	"github.com/voclab/sipcall/sip"
)

// fastTimings keeps transaction timers in test range: TimeB/F = 640ms.
var fastTimings = sip.NewTimings(10*time.Millisecond, 80*time.Millisecond, 20*time.Millisecond)

// stubSender captures everything the engine serialises.
type stubSender struct {
	mu   sync.Mutex
	fail bool
	reqs chan *sip.Request
	ress chan *sip.Response
}

func newStubSender() *stubSender {
	return &stubSender{
		reqs: make(chan *sip.Request, 64),
		ress: make(chan *sip.Response, 64),
	}
}

func (s *stubSender) SendRequest(_ context.Context, req *sip.Request) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return sip.ErrServiceUnavailable
	}
	s.reqs <- req.Clone()
	return nil
}

func (s *stubSender) SendResponse(_ context.Context, res *sip.Response) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return sip.ErrServiceUnavailable
	}
	s.ress <- res.Clone()
	return nil
}

func (s *stubSender) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *stubSender) waitReq(t *testing.T, timeout time.Duration) *sip.Request {
	t.Helper()
	select {
	case req := <-s.reqs:
		return req
	case <-time.After(timeout):
		t.Fatal("no request sent in time")
		return nil
	}
}

func (s *stubSender) waitRes(t *testing.T, timeout time.Duration) *sip.Response {
	t.Helper()
	select {
	case res := <-s.ress:
		return res
	case <-time.After(timeout):
		t.Fatal("no response sent in time")
		return nil
	}
}

// waitResStatus skips responses until one with the status arrives.
func (s *stubSender) waitResStatus(t *testing.T, status sip.StatusCode, timeout time.Duration) *sip.Response {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case res := <-s.ress:
			if res.Status == status {
				return res
			}
		case <-deadline:
			t.Fatalf("no %v response sent in time", status)
			return nil
		}
	}
}

func (s *stubSender) ensureNoReq(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case req := <-s.reqs:
		t.Fatalf("unexpected request sent: %v %v", req.Method, req.RURI)
	case <-time.After(d):
	}
}

func (s *stubSender) drain() {
	for {
		select {
		case <-s.reqs:
		case <-s.ress:
		default:
			return
		}
	}
}

func newTestService(t *testing.T, cfg call.Config) (*call.Service, *stubSender) {
	t.Helper()

	sender := newStubSender()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Timings == (sip.TimingConfig{}) {
		cfg.Timings = fastTimings
	}
	if cfg.Sender == nil {
		cfg.Sender = sender
	}
	if cfg.ViaHost == "" {
		cfg.ViaHost = "proxy.example.com"
		cfg.ViaPort = 5060
	}
	if cfg.Log == nil {
		cfg.Log = log.Noop
	}
	svc := call.NewService(cfg)
	t.Cleanup(svc.Stop)
	return svc, sender
}

func udpTransp(index uint32, remote string) *sip.Transp {
	return &sip.Transp{
		Proto:  "UDP",
		Index:  index,
		Epoch:  1,
		Local:  netip.MustParseAddrPort("192.0.2.10:5060"),
		Remote: netip.MustParseAddrPort(remote),
	}
}

func tcpTransp(index uint32, remote string) *sip.Transp {
	return &sip.Transp{
		Proto:  "TCP",
		Index:  index,
		Epoch:  1,
		Local:  netip.MustParseAddrPort("192.0.2.10:5060"),
		Remote: netip.MustParseAddrPort(remote),
	}
}

// newOutReq builds a caller-side request handed to Service.SendRequest.
func newOutReq(method sip.RequestMethod, callID string) *sip.Request {
	ruri, _ := sip.ParseURI("sip:bob@downstream.example.com")
	req := sip.NewRequest(method, ruri)
	req.From = &sip.NameAddr{URI: &sip.URI{User: "alice", Host: "client.example.com"}}
	req.To = &sip.NameAddr{URI: &sip.URI{User: "bob", Host: "downstream.example.com"}}
	req.CallID = callID
	return req
}

// newInReq builds a parsed inbound request as the transport layer would
// deliver it.
func newInReq(method sip.RequestMethod, callID, branch string, transp *sip.Transp) *sip.Request {
	ruri, _ := sip.ParseURI("sip:service@proxy.example.com")
	req := sip.NewRequest(method, ruri)
	req.From = &sip.NameAddr{
		URI:    &sip.URI{User: "caller", Host: "upstream.example.com"},
		Params: sip.Values{}.Set("tag", "ft-"+callID),
	}
	req.To = &sip.NameAddr{URI: &sip.URI{User: "service", Host: "proxy.example.com"}}
	req.CallID = callID
	req.CSeq = sip.CSeq{Num: 10, Method: method}
	req.Vias = []*sip.Via{{
		Proto:  transp.Proto,
		Host:   "upstream.example.com",
		Port:   5070,
		Params: sip.Values{}.Set("branch", branch),
	}}
	req.Contacts = []*sip.NameAddr{{URI: &sip.URI{User: "caller", Host: "upstream.example.com", Port: 5070}}}
	req.Transp = transp
	return req
}

// respondTo builds a downstream response for a request captured from the
// stub sender.
func respondTo(req *sip.Request, status sip.StatusCode, toTag string) *sip.Response {
	res := sip.NewResponse(req, status, "")
	if toTag != "" && res.ToTag() == "" {
		res.To.SetTag(toTag)
	}
	if status.IsFinal() && status.IsSuccessful() || status.IsProvisional() && status != sip.StatusTrying {
		res.Contacts = []*sip.NameAddr{{URI: &sip.URI{User: "bob", Host: "downstream.example.com", Port: 5080}}}
	}
	return res
}

// testCallbacks overrides selected host callbacks.
type testCallbacks struct {
	call.DefaultCallbacks
	route  func(scheme, user, host string, req *sip.Request) call.RouteReplyTo
	cancel func(invite, cancel *sip.Request)
}

func (cb *testCallbacks) Route(scheme, user, host string, req *sip.Request) call.RouteReplyTo {
	if cb.route == nil {
		return call.RouteReplyTo{Kind: call.RouteProcess}
	}
	return cb.route(scheme, user, host, req)
}

func (cb *testCallbacks) Cancel(invite, cancelReq *sip.Request) {
	if cb.cancel != nil {
		cb.cancel(invite, cancelReq)
	}
}
