package call

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voclab/sipcall/sip"
	"github.com/voclab/sipcall/stats"
)

// mailboxSize bounds a call actor's pending work.
const mailboxSize = 128

// Call is the per-Call-ID actor: the single writer of all transactions,
// dialogs, forks and timers keyed by its Call-ID.
type Call struct {
	svc     *Service
	shard   *shard
	callID  string
	timings sip.TimingConfig
	log     *slog.Logger

	mailbox chan work
	stopCh  chan struct{}
	done    chan struct{}

	// inflight counts work items between enqueue and dequeue; the actor
	// only exits when it reaches zero under the shard lock.
	inflight atomic.Int64
	// dead is guarded by the shard lock.
	dead bool

	nextTsxID int
	trans     []*Transaction // most recently touched first
	dialogs   []*Dialog
	forks     []*Fork
	// dests caches resolved destinations for reversed-dialog routing.
	dests map[string]*sip.Transp

	timerSeq   uint64
	checkTimer *timerRef
}

func newCall(s *Service, sh *shard, callID string) *Call {
	c := &Call{
		svc:     s,
		shard:   sh,
		callID:  callID,
		timings: s.cfg.Timings,
		log:     s.log.With(slog.String("call_id", callID)),
		mailbox: make(chan work, mailboxSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		dests:   make(map[string]*sip.Transp),
	}
	return c
}

// CallID returns the owning Call-ID.
func (c *Call) CallID() string { return c.callID }

// LogValue implements [slog.LogValuer].
func (c *Call) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", c.callID),
		slog.Int("transactions", len(c.trans)),
		slog.Int("dialogs", len(c.dialogs)),
		slog.Int("forks", len(c.forks)),
	)
}

func (c *Call) run() {
	defer func() {
		if r := recover(); r != nil {
			c.log.LogAttrs(context.Background(), slog.LevelError,
				"call actor crashed", slog.Any("panic", r))
			c.fatal()
		}
	}()

	c.checkTimer = c.startTimer(c.timings.TimeTrans(), timerCheckCall, 0)

	for {
		select {
		case w := <-c.mailbox:
			c.inflight.Add(-1)
			c.process(w)
		case <-c.stopCh:
			c.fatal()
			return
		}
		if c.maybeExit() {
			return
		}
	}
}

// process handles one work item to completion before the next.
func (c *Call) process(w work) {
	c.log.LogAttrs(context.Background(), slog.LevelDebug,
		"process work", slog.String("work", w.workTag()), slog.Any("call", c))

	switch w := w.(type) {
	case workSendReq:
		_, err := c.uacRequest(w.req, w.opts, fromCaller(w.opts))
		w.done <- sendResult{reqID: w.req.ID, err: err}
	case workSendDialogReq:
		reqID, err := c.dialogRequest(w.dialogID, w.method, w.opts)
		w.done <- sendResult{reqID: reqID, err: err}
	case workSendCancel:
		w.done <- c.uacCancel(w.reqID)
	case workSendReply:
		w.done <- c.uasReplyByID(w.tsxID, w.status, w.opts)
	case workRecvReq:
		c.recvRequest(w.req)
	case workRecvRes:
		c.recvResponse(w.res)
	case workApply:
		w.fn(c)
		close(w.done)
	case workStopDialog:
		if d := c.dialogByID(w.dialogID); d != nil {
			c.removeDialog(d)
		}
	case workCrash:
		panic("crash work item")
	case workTimer:
		c.fireTimer(w)
	}
}

// fatal terminates a crashed or stopped actor: queued callers get an
// error, the router forgets the call. Senders that raced the exit are
// drained until none remain in flight.
func (c *Call) fatal() {
	// best effort: pending callers of live client transactions get a
	// synthetic 500
	for _, tx := range c.trans {
		if tx.Class == TxUAC && tx.from.kind == fromCallerKind && !tx.IsFinished() {
			func() {
				defer func() { _ = recover() }()
				tx.from.onRes(sip.NewResponse(tx.Request, sip.StatusServerInternalError, "Internal Error"))
			}()
		}
	}
	c.exit()
	for c.inflight.Load() > 0 || len(c.mailbox) > 0 {
		select {
		case w := <-c.mailbox:
			c.inflight.Add(-1)
			c.rejectWork(w)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *Call) rejectWork(w work) {
	switch w := w.(type) {
	case workSendReq:
		w.done <- sendResult{err: sip.ErrCallStopped}
	case workSendDialogReq:
		w.done <- sendResult{err: sip.ErrCallStopped}
	case workSendCancel:
		w.done <- sip.ErrCallStopped
	case workSendReply:
		w.done <- sip.ErrCallStopped
	case workApply:
		close(w.done)
	}
}

func (c *Call) exit() {
	c.shard.mu.Lock()
	if !c.dead {
		c.dead = true
		if c.shard.calls[c.callID] == c {
			delete(c.shard.calls, c.callID)
		}
		c.svc.liveCalls.Add(-1)
		stats.CallsActive.Dec()
		close(c.done)
	}
	c.shard.mu.Unlock()
	c.stopTimer(c.checkTimer)
}

// maybeExit lets an idle actor leave. The shard lock serialises the
// emptiness check against new senders.
func (c *Call) maybeExit() bool {
	if len(c.trans) > 0 || len(c.dialogs) > 0 || len(c.forks) > 0 {
		return false
	}
	c.shard.mu.Lock()
	if c.inflight.Load() != 0 || len(c.mailbox) != 0 {
		c.shard.mu.Unlock()
		return false
	}
	c.dead = true
	if c.shard.calls[c.callID] == c {
		delete(c.shard.calls, c.callID)
	}
	c.svc.liveCalls.Add(-1)
	stats.CallsActive.Dec()
	close(c.done)
	c.shard.mu.Unlock()
	c.stopTimer(c.checkTimer)
	return true
}

func (c *Call) stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

// Timer tags; transaction timers use their evt names as tags.
const (
	timerCheckCall = "check_call"
	timerDialog    = "dialog"
)

// timerRef is a named, cancellable one-shot timer owned by the call.
// Expiry posts a tagged event into the mailbox; the actor validates the
// sequence number on wake, so cancellation is idempotent and race-safe.
type timerRef struct {
	tag     string
	subject int
	seq     uint64
	timer   *time.Timer
}

func (c *Call) startTimer(d time.Duration, tag string, subject int) *timerRef {
	c.timerSeq++
	ref := &timerRef{tag: tag, subject: subject, seq: c.timerSeq}
	ref.timer = time.AfterFunc(d, func() {
		c.inflight.Add(1)
		select {
		case c.mailbox <- workTimer{tag: ref.tag, subject: ref.subject, seq: ref.seq}:
		case <-c.done:
			c.inflight.Add(-1)
		}
	})
	return ref
}

func (c *Call) stopTimer(ref *timerRef) {
	if ref != nil && ref.timer != nil {
		ref.timer.Stop()
	}
}

// current reports whether the fired event still names the live timer.
func (ref *timerRef) current(w workTimer) bool {
	return ref != nil && ref.seq == w.seq
}

func (c *Call) fireTimer(w workTimer) {
	switch w.tag {
	case timerCheckCall:
		c.checkCall()
		c.checkTimer = c.startTimer(c.timings.TimeTrans(), timerCheckCall, 0)
	case timerDialog:
		c.dialogTimer(w)
	default:
		c.transTimer(w)
	}
}

// checkCall garbage-collects transactions and forks older than twice the
// transaction horizon and dialogs untouched for twice the dialog horizon.
func (c *Call) checkCall() {
	now := time.Now()
	transHorizon := 2 * c.timings.TimeTrans()
	dialogHorizon := 2 * c.timings.TimeDialog()

	for _, tx := range append([]*Transaction(nil), c.trans...) {
		if now.Sub(tx.lastTouch) > transHorizon {
			c.log.LogAttrs(context.Background(), slog.LevelWarn,
				"sweeping stale transaction", slog.Any("transaction", tx))
			c.removeTrans(tx)
		}
	}
	for _, f := range append([]*Fork(nil), c.forks...) {
		if now.Sub(f.started) > transHorizon {
			c.log.LogAttrs(context.Background(), slog.LevelWarn,
				"sweeping stale fork", slog.Int("fork", f.id))
			c.removeFork(f)
		}
	}
	for _, d := range append([]*Dialog(nil), c.dialogs...) {
		if now.Sub(d.lastTouch) > dialogHorizon {
			c.log.LogAttrs(context.Background(), slog.LevelWarn,
				"sweeping stale dialog", slog.String("dialog", d.ID))
			c.removeDialog(d)
		}
	}
}

func (c *Call) info() CallInfo {
	info := CallInfo{CallID: c.callID}
	for _, tx := range c.trans {
		info.Transactions = append(info.Transactions, TransactionInfo{
			ID:     tx.ID,
			Class:  tx.Class,
			Method: tx.Method,
			Status: tx.Status(),
		})
	}
	for _, d := range c.dialogs {
		info.Dialogs = append(info.Dialogs, d.ID)
	}
	for _, f := range c.forks {
		info.Forks = append(info.Forks, f.id)
	}
	return info
}

// transByID returns the transaction with the id, touching it to the
// front of the MRU list.
func (c *Call) transByID(id int) *Transaction {
	for i, tx := range c.trans {
		if tx.ID == id {
			c.touchTrans(i)
			return tx
		}
	}
	return nil
}

func (c *Call) touchTrans(i int) {
	if i == 0 {
		c.trans[0].lastTouch = time.Now()
		return
	}
	tx := c.trans[i]
	copy(c.trans[1:i+1], c.trans[:i])
	c.trans[0] = tx
	tx.lastTouch = time.Now()
}

func (c *Call) insertTrans(tx *Transaction) {
	c.trans = append([]*Transaction{tx}, c.trans...)
	stats.Transactions.WithLabelValues(tx.Class.String()).Inc()
	stats.TransactionsTotal.WithLabelValues(tx.Class.String(), string(tx.Method)).Inc()
}

func (c *Call) removeTrans(tx *Transaction) {
	c.stopTimer(tx.timeout)
	c.stopTimer(tx.retrans)
	c.stopTimer(tx.expire)
	for i, t := range c.trans {
		if t == tx {
			c.trans = append(c.trans[:i], c.trans[i+1:]...)
			stats.Transactions.WithLabelValues(tx.Class.String()).Dec()
			return
		}
	}
}

func (c *Call) dialogByID(id string) *Dialog {
	for _, d := range c.dialogs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (c *Call) forkByID(id int) *Fork {
	for _, f := range c.forks {
		if f.id == id {
			return f
		}
	}
	return nil
}

func (c *Call) removeFork(f *Fork) {
	for i, x := range c.forks {
		if x == f {
			c.forks = append(c.forks[:i], c.forks[i+1:]...)
			return
		}
	}
}
