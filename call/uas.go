package call

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/sip"
)

// recvRequest dispatches a parsed inbound request.
func (c *Call) recvRequest(req *sip.Request) {
	switch {
	case req.Method.Equal(sip.MethodAck):
		c.uasAck(req)
	case req.Method.Equal(sip.MethodCancel):
		c.uasCancel(req)
	default:
		key := keyForVia(TxUAS, req.Method, req.Via(), req.CSeq)
		if tx := c.transByKey(key); tx != nil {
			// retransmission
			c.fireTx(tx, evtRecvReq)
			return
		}
		c.uasNewRequest(req, key)
	}
}

// uasAck matches a transaction-layer ACK (non-2xx final) or hands a
// dialog-layer ACK (2xx) to the dialog manager.
func (c *Call) uasAck(req *sip.Request) {
	key := keyForVia(TxUAS, sip.MethodInvite, req.Via(), req.CSeq)
	if tx := c.transByKey(key); tx != nil && tx.Status() == TxInviteCompleted {
		c.fireTx(tx, evtRecvAck, req)
		return
	}
	c.dialogACK(req)
}

// uasCancel matches an inbound CANCEL against the INVITE transaction
// with the same branch and the same source address.
func (c *Call) uasCancel(req *sip.Request) {
	branch := req.Via().Branch()
	var invite *Transaction
	for _, tx := range c.trans {
		if tx.Class == TxUAS && tx.Method.Equal(sip.MethodInvite) && tx.key.id == branch && !tx.IsFinished() {
			invite = tx
			break
		}
	}
	if invite == nil || !invite.Request.Source().Equal(req.Source()) {
		c.statelessReply(req, sip.StatusCallTransactionDoesNotExist, "")
		return
	}

	// CANCEL gets its own server transaction and an immediate 200.
	cancelKey := keyForVia(TxUAS, sip.MethodCancel, req.Via(), req.CSeq)
	if existing := c.transByKey(cancelKey); existing != nil {
		c.fireTx(existing, evtRecvReq)
		return
	}
	cancelTx := c.newTransaction(TxUAS, req, cancelKey)
	c.insertTrans(cancelTx)
	c.initNonInviteUASFSM(cancelTx)
	c.uasReply(cancelTx, sip.StatusOK, nil) //nolint:errcheck

	if invite.Status() != TxInviteProceeding || invite.cancel == cancelDone {
		return
	}
	invite.cancel = cancelDone

	c.svc.cfg.callbacks().Cancel(invite.Request, req)

	if f := c.forkByID(invite.ID); f != nil {
		c.forkCancel(f, "")
		return
	}
	c.uasReply(invite, sip.StatusRequestTerminated, nil) //nolint:errcheck
}

// uasNewRequest creates the server transaction and runs the route
// pipeline.
func (c *Call) uasNewRequest(req *sip.Request, key txKey) {
	tx := c.newTransaction(TxUAS, req, key)
	c.insertTrans(tx)
	if req.Method.Equal(sip.MethodInvite) {
		c.initInviteUASFSM(tx)
		if !c.svc.cfg.No100 && req.ToTag() == "" {
			c.uasReply(tx, sip.StatusTrying, nil) //nolint:errcheck
		}
	} else {
		c.initNonInviteUASFSM(tx)
	}
	c.routeRequest(tx)
}

func (c *Call) initInviteUASFSM(tx *Transaction) {
	fsm := newTxFSM(TxInviteProceeding)
	fsm.SetTriggerParameters(evtRecvAck, reflect.TypeOf((*sip.Request)(nil)))
	resType := reflect.TypeOf((*sip.Response)(nil))
	fsm.SetTriggerParameters(evtSend1xx, resType)
	fsm.SetTriggerParameters(evtSend2xx, resType)
	fsm.SetTriggerParameters(evtSend300699, resType)

	fsm.Configure(TxInviteProceeding).
		InternalTransition(evtRecvReq, c.actUASResendRes(tx)).
		InternalTransition(evtSend1xx, c.actUASSendRes(tx)).
		Permit(evtSend2xx, TxInviteAccepted).
		Permit(evtSend300699, TxInviteCompleted).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxInviteAccepted).
		OnEntry(c.actUASAccepted(tx)).
		OnEntryFrom(evtSend2xx, c.actUASSendRes(tx)).
		InternalTransition(evtSend2xx, c.actUASSendRes(tx)).
		InternalTransition(evtRecvReq, c.actUASNoop(tx)).
		Permit(evtTimerL, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxInviteCompleted).
		OnEntry(c.actUASCompleted(tx)).
		OnEntryFrom(evtSend300699, c.actUASSendRes(tx)).
		InternalTransition(evtRecvReq, c.actUASResendRes(tx)).
		InternalTransition(evtTimerG, c.actUASRetransFinal(tx)).
		Permit(evtRecvAck, TxInviteConfirmed).
		Permit(evtTimerH, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxInviteConfirmed).
		OnEntry(c.actUASConfirmed(tx)).
		InternalTransition(evtRecvReq, c.actUASNoop(tx)).
		InternalTransition(evtRecvAck, c.actUASNoop(tx)).
		Permit(evtTimerI, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxFinished).
		OnEntry(c.actUASFinished(tx))

	tx.fsm = fsm
}

func (c *Call) initNonInviteUASFSM(tx *Transaction) {
	fsm := newTxFSM(TxTrying)
	resType := reflect.TypeOf((*sip.Response)(nil))
	fsm.SetTriggerParameters(evtSend1xx, resType)
	fsm.SetTriggerParameters(evtSend2xx, resType)
	fsm.SetTriggerParameters(evtSend300699, resType)

	fsm.Configure(TxTrying).
		InternalTransition(evtRecvReq, c.actUASNoop(tx)).
		Permit(evtSend1xx, TxProceeding).
		Permit(evtSend2xx, TxCompleted).
		Permit(evtSend300699, TxCompleted).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxProceeding).
		OnEntryFrom(evtSend1xx, c.actUASSendRes(tx)).
		InternalTransition(evtSend1xx, c.actUASSendRes(tx)).
		InternalTransition(evtRecvReq, c.actUASResendRes(tx)).
		Permit(evtSend2xx, TxCompleted).
		Permit(evtSend300699, TxCompleted).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxCompleted).
		OnEntry(c.actUASNonInvCompleted(tx)).
		OnEntryFrom(evtSend2xx, c.actUASSendRes(tx)).
		OnEntryFrom(evtSend300699, c.actUASSendRes(tx)).
		InternalTransition(evtRecvReq, c.actUASResendRes(tx)).
		Permit(evtTimerJ, TxFinished).
		Permit(evtTranspErr, TxFinished).
		Permit(evtTerminate, TxFinished)

	fsm.Configure(TxFinished).
		OnEntry(c.actUASFinished(tx))

	tx.fsm = fsm
}

// uasReplyByID answers a server transaction located by its id.
func (c *Call) uasReplyByID(tsxID int, status sip.StatusCode, opts *ReplyOptions) error {
	tx := c.transByID(tsxID)
	if tx == nil || tx.Class != TxUAS {
		return errtrace.Wrap(sip.ErrTransactionNotFound)
	}
	return errtrace.Wrap(c.uasReply(tx, status, opts))
}

// uasReply is the single point that serialises a response through the
// transport and advances the server transaction state.
func (c *Call) uasReply(tx *Transaction, status sip.StatusCode, opts *ReplyOptions) error {
	if opts == nil {
		opts = &ReplyOptions{}
	}
	res := c.buildReply(tx, status, opts)

	var trigger string
	switch {
	case status.IsProvisional():
		trigger = evtSend1xx
	case status.IsSuccessful():
		trigger = evtSend2xx
	default:
		trigger = evtSend300699
	}
	if err := tx.fsm.Fire(trigger, res); err != nil {
		return errtrace.Wrap(sip.NewInvalidArgumentError("reply not allowed in state %q", tx.Status()))
	}

	if tx.Request.DialogForming() {
		c.dialogUASResponse(tx, res)
	}
	return nil
}

// buildReply assembles the response for the transaction request.
func (c *Call) buildReply(tx *Transaction, status sip.StatusCode, opts *ReplyOptions) *sip.Response {
	req := tx.Request
	res := sip.NewResponse(req, status, opts.Reason)

	if opts.To != nil {
		res.To = opts.To.Clone()
	} else if status > 100 && req.ToTag() == "" && req.DialogForming() {
		if tx.toTag == "" {
			tx.toTag = sip.NewTag()
		}
		res.To.SetTag(tx.toTag)
	}
	if req.DialogForming() && status > 100 && status < 300 {
		res.RecordRoutes = cloneRouteSet(req.RecordRoutes)
		if len(opts.Contacts) == 0 {
			contact := &sip.NameAddr{URI: &sip.URI{
				Host: c.svc.cfg.viaHost(),
				Port: c.svc.cfg.ViaPort,
			}}
			if ob := c.svc.cfg.Outbound; ob != nil {
				ob.Contact(req, contact, nil)
			}
			res.Contacts = []*sip.NameAddr{contact}
		}
	}
	if len(opts.Contacts) > 0 {
		res.Contacts = cloneRouteSet(opts.Contacts)
	}
	res.Supported = opts.Supported
	res.Require = opts.Require
	if opts.Expires != 0 {
		res.Expires = opts.Expires
	}
	if len(opts.Headers) > 0 {
		res.Headers = opts.Headers.Clone()
	}
	if len(opts.Body) > 0 {
		res.Body = opts.Body
		res.ContentType = opts.ContentType
	}
	if len(opts.Paths) > 0 {
		res.Paths = cloneRouteSet(opts.Paths)
	}
	return res
}

// statelessReply answers a request without creating a transaction.
func (c *Call) statelessReply(req *sip.Request, status sip.StatusCode, reason string) {
	res := sip.NewResponse(req, status, reason)
	if err := c.svc.cfg.Sender.SendResponse(context.Background(), res); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelInfo,
			"send stateless reply failed", slog.Any("response", res), slog.Any("error", err))
	}
}

// UAS FSM actions.

func (c *Call) actUASNoop(*Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error { return nil }
}

func (c *Call) actUASSendRes(tx *Transaction) func(context.Context, ...any) error {
	return func(_ context.Context, args ...any) error {
		res := args[0].(*sip.Response) //nolint:forcetypeassert
		tx.Response = res
		c.sendResponse(tx, res)
		return nil
	}
}

// actUASResendRes answers a retransmitted request with the last response.
func (c *Call) actUASResendRes(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		if tx.Response != nil {
			c.sendResponse(tx, tx.Response)
		}
		return nil
	}
}

// actUASRetransFinal fires on Timer G: retransmit the final response,
// doubling the interval bounded by T2.
func (c *Call) actUASRetransFinal(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		if tx.Response != nil {
			c.sendResponse(tx, tx.Response)
		}
		tx.nextRetrans *= 2
		if tx.nextRetrans > c.timings.T2() {
			tx.nextRetrans = c.timings.T2()
		}
		c.startTxTimer(tx, &tx.retrans, tx.nextRetrans, evtTimerG)
		return nil
	}
}

func (c *Call) actUASAccepted(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.startTxTimer(tx, &tx.timeout, c.timings.TimeL(), evtTimerL)
		return nil
	}
}

func (c *Call) actUASCompleted(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.startTxTimer(tx, &tx.timeout, c.timings.TimeH(), evtTimerH)
		if !tx.Request.Transp.Reliable() {
			tx.nextRetrans = c.timings.TimeG()
			c.startTxTimer(tx, &tx.retrans, tx.nextRetrans, evtTimerG)
		}
		return nil
	}
}

func (c *Call) actUASConfirmed(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.stopTimer(tx.retrans)
		d := c.timings.TimeI()
		if tx.Request.Transp.Reliable() {
			d = 0
		}
		c.startTxTimer(tx, &tx.timeout, d, evtTimerI)
		return nil
	}
}

func (c *Call) actUASNonInvCompleted(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		d := c.timings.TimeJ()
		if tx.Request.Transp.Reliable() {
			d = 0
		}
		c.startTxTimer(tx, &tx.timeout, d, evtTimerJ)
		return nil
	}
}

func (c *Call) actUASFinished(tx *Transaction) func(context.Context, ...any) error {
	return func(context.Context, ...any) error {
		c.removeTrans(tx)
		return nil
	}
}

func (c *Call) sendResponse(tx *Transaction, res *sip.Response) {
	if err := c.svc.cfg.Sender.SendResponse(context.Background(), res); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelInfo,
			"send response failed", slog.Any("transaction", tx), slog.Any("error", err))
		c.fireTx(tx, evtTranspErr)
	}
}
