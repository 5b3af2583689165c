package call

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/sip"
)

// uacRequest prepares and launches a client transaction for the request.
// The returned transaction may already be finished when the transport
// rejected the send.
func (c *Call) uacRequest(req *sip.Request, opts *RequestOptions, from txFrom) (*Transaction, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	c.prepareUACRequest(req, opts)

	key := keyForVia(TxUAC, req.Method, req.Via(), req.CSeq)
	if tx := c.transByKey(key); tx != nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("duplicated transaction branch"))
	}

	tx := c.newTransaction(TxUAC, req, key)
	tx.Opts = opts
	tx.from = from
	tx.stateless = opts.Stateless
	tx.proxy = from.kind == fromForkKind

	c.insertTrans(tx)
	c.initUACFSM(tx)

	if req.Method.Equal(sip.MethodInvite) {
		c.armInviteUACTimers(tx)
	} else if !tx.stateless {
		c.armNonInviteUACTimers(tx)
	}

	c.sendRequest(tx, req)
	return tx, nil
}

// prepareUACRequest fills the engine-owned parts of an outgoing request:
// From tag, CSeq, the top Via with a fresh branch, and the generated
// Contact when asked for.
func (c *Call) prepareUACRequest(req *sip.Request, opts *RequestOptions) {
	if req.CallID == "" {
		req.CallID = c.callID
	}
	if req.From != nil && req.From.Tag() == "" {
		req.From.SetTag(sip.NewTag())
	}
	if req.CSeq.Num == 0 {
		req.CSeq = sip.CSeq{Num: sip.NextCSeq(), Method: req.Method}
	}
	if req.CSeq.Method == "" {
		req.CSeq.Method = req.Method
	}
	if req.Via() == nil || req.Via().Branch() == "" {
		via := &sip.Via{
			Proto:  c.svc.cfg.viaProto(),
			Host:   c.svc.cfg.viaHost(),
			Port:   c.svc.cfg.ViaPort,
			Params: make(sip.Values),
		}
		via.Params.Set("branch", sip.NewBranch())
		req.Vias = append([]*sip.Via{via}, req.Vias...)
	}
	if opts.Contact && len(req.Contacts) == 0 {
		contact := &sip.NameAddr{URI: &sip.URI{
			Host: c.svc.cfg.viaHost(),
			Port: c.svc.cfg.ViaPort,
		}}
		if ob := c.svc.cfg.Outbound; ob != nil {
			ob.Contact(req, contact, opts)
		}
		req.Contacts = []*sip.NameAddr{contact}
	}
}

func (c *Call) initUACFSM(tx *Transaction) {
	if tx.Method.Equal(sip.MethodInvite) {
		c.initInviteUACFSM(tx)
		return
	}
	c.initNonInviteUACFSM(tx)
}

func (c *Call) initInviteUACFSM(tx *Transaction) {
	fsm := newTxFSM(TxInviteCalling)
	resType := reflect.TypeOf((*sip.Response)(nil))
	fsm.SetTriggerParameters(evtRecv1xx, resType)
	fsm.SetTriggerParameters(evtRecv2xx, resType)
	fsm.SetTriggerParameters(evtRecv300699, resType)

	fsm.Configure(TxInviteCalling).
		InternalTransition(evtTimerA, c.actUACResend(tx)).
		InternalTransition(evtExpire, c.actUACExpire(tx)).
		Permit(evtRecv1xx, TxInviteProceeding).
		Permit(evtRecv2xx, TxInviteAccepted).
		Permit(evtRecv300699, TxInviteCompleted).
		Permit(evtTimerB, TxFinished).
		Permit(evtTimerC, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxInviteProceeding).
		OnEntryFrom(evtRecv1xx, c.actUACPassRes(tx)).
		InternalTransition(evtRecv1xx, c.actUACPassRes(tx)).
		InternalTransition(evtExpire, c.actUACExpire(tx)).
		Permit(evtRecv2xx, TxInviteAccepted).
		Permit(evtRecv300699, TxInviteCompleted).
		Permit(evtTimerB, TxFinished).
		Permit(evtTimerC, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxInviteCompleted).
		OnEntry(c.actUACCompleted(tx)).
		OnEntryFrom(evtRecv300699, c.actUACPassResSendAck(tx)).
		InternalTransition(evtRecv300699, c.actUACSendAck(tx)).
		InternalTransition(evtRecv1xx, c.actUACNoop(tx)).
		Permit(evtTimerD, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxInviteAccepted).
		OnEntry(c.actUACAccepted(tx)).
		OnEntryFrom(evtRecv2xx, c.actUACPassRes(tx)).
		InternalTransition(evtRecv2xx, c.actUACPassRes(tx)).
		InternalTransition(evtRecv1xx, c.actUACNoop(tx)).
		Permit(evtTimerM, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxFinished).
		OnEntry(c.actUACFinished(tx)).
		OnEntryFrom(evtTimerB, c.actUACTimedOut(tx, "Timer B Timeout")).
		OnEntryFrom(evtTimerC, c.actUACTimerC(tx)).
		OnEntryFrom(evtTranspErr, c.actUACTranspErr(tx))

	tx.fsm = fsm
}

func (c *Call) initNonInviteUACFSM(tx *Transaction) {
	fsm := newTxFSM(TxTrying)
	resType := reflect.TypeOf((*sip.Response)(nil))
	fsm.SetTriggerParameters(evtRecv1xx, resType)
	fsm.SetTriggerParameters(evtRecv2xx, resType)
	fsm.SetTriggerParameters(evtRecv300699, resType)

	fsm.Configure(TxTrying).
		InternalTransition(evtTimerE, c.actUACResend(tx)).
		Permit(evtRecv1xx, TxProceeding).
		Permit(evtRecv2xx, TxCompleted).
		Permit(evtRecv300699, TxCompleted).
		Permit(evtTimerF, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxProceeding).
		OnEntryFrom(evtRecv1xx, c.actUACPassRes(tx)).
		InternalTransition(evtRecv1xx, c.actUACPassRes(tx)).
		InternalTransition(evtTimerE, c.actUACResend(tx)).
		Permit(evtRecv2xx, TxCompleted).
		Permit(evtRecv300699, TxCompleted).
		Permit(evtTimerF, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxCompleted).
		OnEntry(c.actUACNonInvCompleted(tx)).
		OnEntryFrom(evtRecv2xx, c.actUACPassRes(tx)).
		OnEntryFrom(evtRecv300699, c.actUACPassRes(tx)).
		InternalTransition(evtRecv1xx, c.actUACNoop(tx)).
		InternalTransition(evtRecv2xx, c.actUACNoop(tx)).
		InternalTransition(evtRecv300699, c.actUACNoop(tx)).
		Permit(evtTimerK, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxFinished).
		OnEntry(c.actUACFinished(tx)).
		OnEntryFrom(evtTimerF, c.actUACTimedOut(tx, "Timer F Timeout")).
		OnEntryFrom(evtTranspErr, c.actUACTranspErr(tx))

	tx.fsm = fsm
}

func (c *Call) armInviteUACTimers(tx *Transaction) {
	if tx.stateless {
		return
	}
	timeB := c.timings.TimeB()
	if tx.proxy {
		// Timer C must win over Timer B on proxy branches.
		c.startTxTimer(tx, &tx.expire, c.timings.TimeC(), evtTimerC)
		if timeB <= c.timings.TimeC() {
			timeB = c.timings.TimeC() + c.timings.T1()
		}
	} else if tx.Request.Expires >= 0 && !tx.Opts.NoAutoExpire {
		c.startTxTimer(tx, &tx.expire, time.Duration(tx.Request.Expires)*time.Second, evtExpire)
	}
	c.startTxTimer(tx, &tx.timeout, timeB, evtTimerB)
	if !tx.Request.Transp.Reliable() {
		tx.nextRetrans = c.timings.TimeA()
		c.startTxTimer(tx, &tx.retrans, tx.nextRetrans, evtTimerA)
	}
}

func (c *Call) armNonInviteUACTimers(tx *Transaction) {
	c.startTxTimer(tx, &tx.timeout, c.timings.TimeF(), evtTimerF)
	if !tx.Request.Transp.Reliable() {
		tx.nextRetrans = c.timings.TimeE()
		c.startTxTimer(tx, &tx.retrans, tx.nextRetrans, evtTimerE)
	}
}

// startTxTimer replaces the slot with a fresh timer.
func (c *Call) startTxTimer(tx *Transaction, slot **timerRef, d time.Duration, tag string) {
	c.stopTimer(*slot)
	*slot = c.startTimer(d, tag, tx.ID)
}

// transTimer routes a fired transaction timer through the subject's FSM
// after validating the event still names a live timer.
func (c *Call) transTimer(w workTimer) {
	tx := c.transByID(w.subject)
	if tx == nil {
		return
	}
	if !tx.timeout.current(w) && !tx.retrans.current(w) && !tx.expire.current(w) {
		return
	}
	c.fireTx(tx, w.tag)
}

func (c *Call) fireTx(tx *Transaction, trigger string, args ...any) {
	if tx.fsm == nil {
		return
	}
	if err := tx.fsm.Fire(trigger, args...); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug,
			"transaction ignored trigger",
			slog.Any("transaction", tx),
			slog.String("trigger", trigger),
			slog.Any("error", err),
		)
	}
}

// sendRequest serialises the request and routes transport errors back
// through the FSM.
func (c *Call) sendRequest(tx *Transaction, req *sip.Request) {
	if err := c.svc.cfg.Sender.SendRequest(context.Background(), req); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelInfo,
			"send request failed", slog.Any("transaction", tx), slog.Any("error", err))
		c.fireTx(tx, evtTranspErr)
	}
}

// uacDispatch routes an inbound response to its client transaction.
// It reports whether a transaction consumed the response.
func (c *Call) uacDispatch(res *sip.Response) bool {
	method := res.CSeq.Method
	key := keyForVia(TxUAC, method, res.Via(), res.CSeq)
	tx := c.transByKey(key)
	if tx == nil {
		// stateless transactions match on the branch alone
		for i, t := range c.trans {
			if t.Class == TxUAC && t.stateless && t.key.id == res.Via().Branch() {
				tx = t
				c.touchTrans(i)
				break
			}
		}
	}
	if tx == nil {
		return false
	}

	if tx.stateless {
		tx.Response = res
		c.deliverRes(tx, res)
		if res.Status.IsFinal() {
			c.removeTrans(tx)
		}
		return true
	}

	switch {
	case res.Status.IsProvisional():
		c.fireTx(tx, evtRecv1xx, res)
	case res.Status.IsSuccessful():
		c.fireTx(tx, evtRecv2xx, res)
	default:
		c.fireTx(tx, evtRecv300699, res)
	}
	return true
}

// deliverRes forwards a response to the transaction's reply address and
// lets the dialog manager observe it.
func (c *Call) deliverRes(tx *Transaction, res *sip.Response) {
	if tx.from.kind == fromCallerKind && !boolOpt(tx.Opts, func(o *RequestOptions) bool { return o.NoDialog }) {
		c.dialogUACResponse(tx, res)
	}
	switch tx.from.kind {
	case fromCallerKind:
		tx.from.onRes(res)
	case fromForkKind:
		c.forkResponse(tx.from.forkID, tx, res)
	}
}

func boolOpt(opts *RequestOptions, get func(*RequestOptions) bool) bool {
	return opts != nil && get(opts)
}

// action builders; each closes over the transaction record

func (c *Call) actUACNoop(*Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error { return nil }
}

func (c *Call) actUACResend(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		tx.retransCount++
		c.sendRequest(tx, tx.Request)
		tx.nextRetrans *= 2
		if !tx.Method.Equal(sip.MethodInvite) && tx.nextRetrans > c.timings.T2() {
			tx.nextRetrans = c.timings.T2()
		}
		tag := evtTimerA
		if !tx.Method.Equal(sip.MethodInvite) {
			tag = evtTimerE
		}
		c.startTxTimer(tx, &tx.retrans, tx.nextRetrans, tag)
		return nil
	}
}

func (c *Call) actUACPassRes(tx *Transaction) func(context.Context, ...any) error {
	return func(_ context.Context, args ...any) error {
		res := args[0].(*sip.Response) //nolint:forcetypeassert
		tx.Response = res
		c.stopTimer(tx.retrans)

		if res.Status.IsProvisional() && res.Status != sip.StatusTrying && tx.cancel == cancelPending {
			tx.cancel = cancelDone
			c.emitCancel(tx, "")
		}
		if res.Status.IsProvisional() && res.Status == sip.StatusTrying {
			// 100 Trying quenches retransmission but is not delivered upstream
			return nil
		}
		c.deliverRes(tx, res)
		return nil
	}
}

func (c *Call) actUACPassResSendAck(tx *Transaction) func(context.Context, ...any) error {
	return func(ctx context.Context, args ...any) error {
		c.actUACPassRes(tx)(ctx, args...) //nolint:errcheck
		c.actUACSendAck(tx)(ctx, args...) //nolint:errcheck
		return nil
	}
}

// actUACSendAck acknowledges a final non-2xx INVITE response at the
// transaction layer.
func (c *Call) actUACSendAck(tx *Transaction) func(context.Context, ...any) error {
	return func(_ context.Context, args ...any) error {
		res, _ := args[0].(*sip.Response)
		ack := sip.NewRequest(sip.MethodAck, tx.Request.RURI.Clone())
		ack.From = tx.Request.From.Clone()
		ack.To = tx.Request.To.Clone()
		if res != nil && res.To.Tag() != "" {
			ack.To = res.To.Clone()
		}
		ack.CallID = tx.Request.CallID
		ack.CSeq = sip.CSeq{Num: tx.Request.CSeq.Num, Method: sip.MethodAck}
		ack.Vias = []*sip.Via{tx.Request.Via().Clone()}
		ack.Routes = cloneRouteSet(tx.Request.Routes)
		ack.Transp = tx.Request.Transp
		if err := c.svc.cfg.Sender.SendRequest(context.Background(), ack); err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelInfo,
				"send ACK failed", slog.Any("transaction", tx), slog.Any("error", err))
		}
		return nil
	}
}

func (c *Call) actUACCompleted(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.stopTimer(tx.retrans)
		c.stopTimer(tx.expire)
		d := c.timings.TimeD()
		if tx.Request.Transp.Reliable() {
			d = 0
		}
		c.startTxTimer(tx, &tx.timeout, d, evtTimerD)
		return nil
	}
}

func (c *Call) actUACAccepted(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.stopTimer(tx.retrans)
		c.stopTimer(tx.expire)
		c.startTxTimer(tx, &tx.timeout, c.timings.TimeM(), evtTimerM)
		return nil
	}
}

func (c *Call) actUACNonInvCompleted(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.stopTimer(tx.retrans)
		d := c.timings.TimeK()
		if tx.Request.Transp.Reliable() {
			d = 0
		}
		c.startTxTimer(tx, &tx.timeout, d, evtTimerK)
		return nil
	}
}

func (c *Call) actUACTimedOut(tx *Transaction, reason string) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		res := sip.NewResponse(tx.Request, sip.StatusRequestTimeout, reason)
		tx.Response = res
		c.deliverRes(tx, res)
		return nil
	}
}

// actUACTimerC cancels the branch and reports the proxy timeout.
func (c *Call) actUACTimerC(tx *Transaction) func(context.Context, ...any) error {
	return func(ctx context.Context, args ...any) error {
		c.emitCancel(tx, "")
		return c.actUACTimedOut(tx, "Timer C Timeout")(ctx, args...)
	}
}

func (c *Call) actUACTranspErr(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		res := sip.NewResponse(tx.Request, sip.StatusServiceUnavailable, "Transport Error")
		tx.Response = res
		c.deliverRes(tx, res)
		return nil
	}
}

func (c *Call) actUACExpire(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		if tx.Opts != nil && tx.Opts.NoAutoExpire {
			return nil
		}
		if tx.Status() == TxInviteProceeding {
			tx.cancel = cancelDone
			c.emitCancel(tx, "Expired")
		} else {
			tx.cancel = cancelPending
		}
		return nil
	}
}

func (c *Call) actUACFinished(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.removeTrans(tx)
		return nil
	}
}

// uacCancel handles a send-cancel work item: immediate CANCEL in
// invite_proceeding, deferred to the first 1xx otherwise.
func (c *Call) uacCancel(reqID sip.MsgID) error {
	var tx *Transaction
	for _, t := range c.trans {
		if t.Class == TxUAC && t.Request != nil && t.Request.ID == reqID {
			tx = t
			break
		}
	}
	if tx == nil {
		return errtrace.Wrap(sip.ErrTransactionNotFound)
	}
	if !tx.Method.Equal(sip.MethodInvite) {
		return errtrace.Wrap(sip.NewInvalidArgumentError("cannot cancel %q", tx.Method))
	}
	switch tx.Status() {
	case TxInviteProceeding:
		if tx.cancel != cancelDone {
			tx.cancel = cancelDone
			c.emitCancel(tx, "")
		}
	case TxInviteCalling:
		tx.cancel = cancelPending
	default:
		// already final
	}
	return nil
}

// emitCancel launches a CANCEL for the INVITE on the same branch.
func (c *Call) emitCancel(tx *Transaction, reason string) {
	cancel := sip.NewRequest(sip.MethodCancel, tx.Request.RURI.Clone())
	cancel.From = tx.Request.From.Clone()
	cancel.To = tx.Request.To.Clone()
	cancel.CallID = tx.Request.CallID
	cancel.CSeq = sip.CSeq{Num: tx.Request.CSeq.Num, Method: sip.MethodCancel}
	cancel.Vias = []*sip.Via{tx.Request.Via().Clone()}
	cancel.Routes = cloneRouteSet(tx.Request.Routes)
	cancel.Transp = tx.Request.Transp
	if reason != "" {
		cancel.Headers = sip.Values{}.Set("reason", reason)
	}

	key := keyForVia(TxUAC, sip.MethodCancel, cancel.Via(), cancel.CSeq)
	if c.transByKey(key) != nil {
		return
	}
	cancelTx := c.newTransaction(TxUAC, cancel, key)
	cancelTx.from = txFrom{kind: fromNone}
	c.insertTrans(cancelTx)
	c.initNonInviteUACFSM(cancelTx)
	c.armNonInviteUACTimers(cancelTx)
	c.sendRequest(cancelTx, cancel)
}

func cloneRouteSet(routes []*sip.NameAddr) []*sip.NameAddr {
	if routes == nil {
		return nil
	}
	out := make([]*sip.NameAddr, len(routes))
	for i, r := range routes {
		out[i] = r.Clone()
	}
	return out
}
