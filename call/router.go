package call

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/sip"
	"github.com/voclab/sipcall/stats"
)

// shard is one slice of the (service, Call-ID) router.
type shard struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func (sh *shard) stopAll() {
	sh.mu.Lock()
	calls := make([]*Call, 0, len(sh.calls))
	for _, c := range sh.calls {
		calls = append(calls, c)
	}
	sh.mu.Unlock()
	for _, c := range calls {
		c.stop()
	}
}

func (s *Service) shardFor(callID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(callID)) //nolint:errcheck
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// sendWork looks up or creates the call actor for the Call-ID and
// delivers the work item to its mailbox.
func (s *Service) sendWork(callID string, w work) error {
	select {
	case <-s.stopped:
		return errtrace.Wrap(sip.ErrServiceNotStarted)
	default:
	}
	if callID == "" {
		return errtrace.Wrap(sip.NewInvalidArgumentError("empty Call-ID"))
	}

	sh := s.shardFor(callID)
	sh.mu.Lock()
	c := sh.calls[callID]
	if c == nil || c.dead {
		if int(s.liveCalls.Load()) >= s.cfg.maxCalls() {
			sh.mu.Unlock()
			return errtrace.Wrap(sip.ErrTooManyCalls)
		}
		c = newCall(s, sh, callID)
		sh.calls[callID] = c
		s.liveCalls.Add(1)
		stats.CallsActive.Inc()
		stats.CallsTotal.Inc()
		go c.run()
	}
	c.inflight.Add(1)
	sh.mu.Unlock()

	select {
	case c.mailbox <- w:
		return nil
	case <-c.done:
		c.inflight.Add(-1)
		return errtrace.Wrap(sip.ErrCallStopped)
	}
}

// SendRequest sends a request through a new client transaction and waits
// for the final response, bounded by ctx and the service sync call time.
// The returned request id can be passed to [Service.Cancel].
func (s *Service) SendRequest(ctx context.Context, req *sip.Request, opts *RequestOptions) (sip.MsgID, *sip.Response, error) {
	reqID, final, err := s.sendRequestAsync(req, opts)
	if err != nil {
		return 0, nil, errtrace.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.syncCallTime())
	defer cancel()
	select {
	case res := <-final:
		return reqID, res, nil
	case <-ctx.Done():
		return reqID, nil, errtrace.Wrap(ctx.Err())
	case <-s.stopped:
		return reqID, nil, errtrace.Wrap(sip.ErrServiceNotStarted)
	}
}

// SendRequestAsync sends a request through a new client transaction.
// Responses are delivered through opts.OnResponse.
func (s *Service) SendRequestAsync(req *sip.Request, opts *RequestOptions) (sip.MsgID, error) {
	reqID, _, err := s.sendRequestAsync(req, opts)
	return reqID, errtrace.Wrap(err)
}

func (s *Service) sendRequestAsync(req *sip.Request, opts *RequestOptions) (sip.MsgID, <-chan *sip.Response, error) {
	if req == nil || req.Method == "" || req.RURI.IsZero() {
		return 0, nil, errtrace.Wrap(sip.NewInvalidArgumentError("invalid request"))
	}
	if req.CallID == "" {
		req.CallID = sip.NewCallID()
	}

	final := make(chan *sip.Response, 1)
	userOnRes := opts.onResponse()
	wrapped := &RequestOptions{}
	if opts != nil {
		*wrapped = *opts
	}
	wrapped.OnResponse = func(res *sip.Response) {
		userOnRes(res)
		if res.Status.IsFinal() {
			select {
			case final <- res:
			default:
			}
		}
	}

	done := make(chan sendResult, 1)
	if err := s.sendWork(req.CallID, workSendReq{req: req, opts: wrapped, done: done}); err != nil {
		return 0, nil, errtrace.Wrap(err)
	}
	r := <-done
	if r.err != nil {
		return 0, nil, errtrace.Wrap(r.err)
	}
	return r.reqID, final, nil
}

// SendDialogRequest sends an in-dialog request and waits for the final
// response.
func (s *Service) SendDialogRequest(
	ctx context.Context,
	callID, dialogID string,
	method sip.RequestMethod,
	opts *RequestOptions,
) (*sip.Response, error) {
	final := make(chan *sip.Response, 1)
	userOnRes := opts.onResponse()
	wrapped := &RequestOptions{}
	if opts != nil {
		*wrapped = *opts
	}
	wrapped.OnResponse = func(res *sip.Response) {
		userOnRes(res)
		if res.Status.IsFinal() {
			select {
			case final <- res:
			default:
			}
		}
	}

	done := make(chan sendResult, 1)
	w := workSendDialogReq{dialogID: dialogID, method: method, opts: wrapped, done: done}
	if err := s.sendWork(callID, w); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if r := <-done; r.err != nil {
		return nil, errtrace.Wrap(r.err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.syncCallTime())
	defer cancel()
	select {
	case res := <-final:
		return res, nil
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}

// Cancel requests cancellation of a pending INVITE previously sent with
// [Service.SendRequest]. The CANCEL is emitted immediately when the
// transaction has seen a provisional response, or deferred until the
// first 1xx otherwise.
func (s *Service) Cancel(callID string, reqID sip.MsgID) error {
	done := make(chan error, 1)
	if err := s.sendWork(callID, workSendCancel{reqID: reqID, done: done}); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(<-done)
}

// Reply answers a server transaction identified by its id.
func (s *Service) Reply(callID string, tsxID int, status sip.StatusCode, opts *ReplyOptions) error {
	done := make(chan error, 1)
	if err := s.sendWork(callID, workSendReply{tsxID: tsxID, status: status, opts: opts, done: done}); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(<-done)
}

// Recv delivers a parsed inbound message to the owning call actor.
func (s *Service) Recv(msg any) error {
	switch m := msg.(type) {
	case *sip.Request:
		return errtrace.Wrap(s.sendWork(m.CallID, workRecvReq{req: m}))
	case *sip.Response:
		return errtrace.Wrap(s.sendWork(m.CallID, workRecvRes{res: m}))
	default:
		return errtrace.Wrap(sip.NewInvalidArgumentError("unsupported message type %T", msg))
	}
}

// Apply runs a read-only closure inside the call actor and waits for it.
// The closure must not retain the call.
func (s *Service) Apply(callID string, fn func(*Call)) error {
	done := make(chan struct{})
	if err := s.sendWork(callID, workApply{fn: fn, done: done}); err != nil {
		return errtrace.Wrap(err)
	}
	<-done
	return nil
}

// ApplyDialog runs a read-only closure against a dialog of the call.
func (s *Service) ApplyDialog(callID, dialogID string, fn func(*Dialog)) error {
	var found bool
	err := s.Apply(callID, func(c *Call) {
		if d := c.dialogByID(dialogID); d != nil {
			found = true
			fn(d)
		}
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !found {
		return errtrace.Wrap(sip.ErrDialogNotFound)
	}
	return nil
}

// ApplyTransaction runs a read-only closure against a transaction of the call.
func (s *Service) ApplyTransaction(callID string, tsxID int, fn func(*Transaction)) error {
	var found bool
	err := s.Apply(callID, func(c *Call) {
		if tx := c.transByID(tsxID); tx != nil {
			found = true
			fn(tx)
		}
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !found {
		return errtrace.Wrap(sip.ErrTransactionNotFound)
	}
	return nil
}

// StopDialog removes a dialog unconditionally.
func (s *Service) StopDialog(callID, dialogID string) error {
	return errtrace.Wrap(s.sendWork(callID, workStopDialog{dialogID: dialogID}))
}

// Info returns a snapshot of the call state.
func (s *Service) Info(callID string) (CallInfo, error) {
	var info CallInfo
	err := s.Apply(callID, func(c *Call) { info = c.info() })
	return info, errtrace.Wrap(err)
}

// Crash makes the call actor panic. Test only.
func (s *Service) Crash(callID string) error {
	return errtrace.Wrap(s.sendWork(callID, workCrash{}))
}

// CallInfo is a read-only snapshot of a call actor's state.
type CallInfo struct {
	CallID       string
	Transactions []TransactionInfo
	Dialogs      []string
	Forks        []int
}

// TransactionInfo is a read-only snapshot of one transaction.
type TransactionInfo struct {
	ID     int
	Class  TxClass
	Method sip.RequestMethod
	Status TxStatus
}

// LogValue implements [slog.LogValuer].
func (i CallInfo) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", i.CallID),
		slog.Int("transactions", len(i.Transactions)),
		slog.Int("dialogs", len(i.Dialogs)),
		slog.Int("forks", len(i.Forks)),
	)
}
