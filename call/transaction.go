package call

import (
	"log/slog"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/voclab/sipcall/internal/util"
	"github.com/voclab/sipcall/sip"
)

// TxClass distinguishes client from server transactions.
type TxClass uint8

const (
	// TxUAC is a client transaction.
	TxUAC TxClass = iota
	// TxUAS is a server transaction.
	TxUAS
)

func (c TxClass) String() string {
	if c == TxUAC {
		return "uac"
	}
	return "uas"
}

// TxStatus is a transaction FSM state. Statuses only ever move forward
// in FSM order; finished removes the transaction from the call.
type TxStatus string

const (
	TxInviteCalling    TxStatus = "invite_calling"
	TxInviteProceeding TxStatus = "invite_proceeding"
	TxInviteCompleted  TxStatus = "invite_completed"
	TxInviteAccepted   TxStatus = "invite_accepted"
	TxInviteConfirmed  TxStatus = "invite_confirmed"
	TxTrying           TxStatus = "trying"
	TxProceeding       TxStatus = "proceeding"
	TxCompleted        TxStatus = "completed"
	TxFinished         TxStatus = "finished"
)

// FSM triggers.
const (
	evtRecv1xx    = "recv_1xx"
	evtRecv2xx    = "recv_2xx"
	evtRecv300699 = "recv_300-699"
	evtRecvReq    = "recv_request"
	evtRecvAck    = "recv_ack"
	evtSend1xx    = "send_1xx"
	evtSend2xx    = "send_2xx"
	evtSend300699 = "send_300-699"
	evtTimerA     = "timer_a"
	evtTimerB     = "timer_b"
	evtTimerC     = "timer_c"
	evtTimerD     = "timer_d"
	evtTimerE     = "timer_e"
	evtTimerF     = "timer_f"
	evtTimerG     = "timer_g"
	evtTimerH     = "timer_h"
	evtTimerI     = "timer_i"
	evtTimerJ     = "timer_j"
	evtTimerK     = "timer_k"
	evtTimerL     = "timer_l"
	evtTimerM     = "timer_m"
	evtExpire     = "timer_expire"
	evtTranspErr  = "transport_error"
	evtTerminate  = "terminate"
)

// txKey identifies a transaction inside a call: at most one transaction
// exists per (class, method, branch-derived id).
type txKey struct {
	class  TxClass
	method string
	id     string
}

// keyForVia derives the transaction id from a Via entry. RFC 3261
// branches are used directly; pre-RFC messages fall back to a legacy
// hash over the sent-by and the CSeq.
func keyForVia(class TxClass, method sip.RequestMethod, via *sip.Via, cseq sip.CSeq) txKey {
	k := txKey{class: class, method: util.UCase(string(method))}
	switch {
	case via == nil:
		k.id = "old-" + sip.MD5Hex(cseq.String())
	case via.IsRFC3261():
		k.id = via.Branch()
	default:
		k.id = "old-" + sip.MD5Hex(via.Host, via.String(), cseq.String())
	}
	return k
}

type fromKind uint8

const (
	fromNone fromKind = iota
	fromCallerKind
	fromForkKind
)

// txFrom is the reply-delivery address of a UAC transaction: the
// originating caller, a fork id, or none.
type txFrom struct {
	kind   fromKind
	forkID int
	onRes  func(*sip.Response)
}

func fromCaller(opts *RequestOptions) txFrom {
	return txFrom{kind: fromCallerKind, onRes: opts.onResponse()}
}

func fromFork(forkID int) txFrom {
	return txFrom{kind: fromForkKind, forkID: forkID}
}

type cancelState uint8

const (
	cancelNone cancelState = iota
	cancelPending
	cancelDone
)

// Transaction is one client or server transaction owned by a call.
type Transaction struct {
	// ID is locally unique inside the call.
	ID int
	// Class is uac or uas.
	Class TxClass
	// Method is the transaction method.
	Method sip.RequestMethod
	// Request is the transaction request.
	Request *sip.Request
	// Response is the last response sent (uas) or received (uac).
	Response *sip.Response
	// Opts are the caller's request options (uac only).
	Opts *RequestOptions

	fsm  *stateless.StateMachine
	from txFrom
	key  txKey

	// timer slots
	timeout *timerRef
	retrans *timerRef
	expire  *timerRef

	retransCount int
	nextRetrans  time.Duration

	// stateless transactions are matched by branch only and carry no timers.
	stateless bool
	// proxy marks a fork branch; an INVITE branch also arms Timer C, and its
	// Timer B is raised to TimeC+T1 when 64*T1 would not outlast Timer C.
	proxy bool

	cancel    cancelState
	toTag     string
	lastTouch time.Time

	call *Call
}

// Status returns the current FSM state.
func (tx *Transaction) Status() TxStatus {
	if tx == nil || tx.fsm == nil {
		return ""
	}
	return tx.fsm.MustState().(TxStatus) //nolint:forcetypeassert
}

// Branch returns the transaction's Via branch id.
func (tx *Transaction) Branch() string { return tx.key.id }

// IsFinished reports whether the transaction reached its terminal state.
func (tx *Transaction) IsFinished() bool { return tx.Status() == TxFinished }

// LogValue implements [slog.LogValuer].
func (tx *Transaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int("id", tx.ID),
		slog.String("class", tx.Class.String()),
		slog.Any("method", tx.Method),
		slog.String("status", string(tx.Status())),
	)
}

// transByKey returns the live transaction matching the key.
func (c *Call) transByKey(k txKey) *Transaction {
	for i, tx := range c.trans {
		if tx.key == k && !tx.IsFinished() {
			c.touchTrans(i)
			return tx
		}
	}
	return nil
}

func (c *Call) newTransaction(class TxClass, req *sip.Request, key txKey) *Transaction {
	c.nextTsxID++
	return &Transaction{
		ID:        c.nextTsxID,
		Class:     class,
		Method:    req.Method,
		Request:   req,
		key:       key,
		lastTouch: time.Now(),
		call:      c,
	}
}

func newTxFSM(start TxStatus) *stateless.StateMachine {
	return stateless.NewStateMachineWithMode(start, stateless.FiringImmediate)
}
