package call

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/internal/util"
	"github.com/voclab/sipcall/sip"
)

// InviteState is the INVITE sub-state of a dialog.
type InviteState string

const (
	InviteInit       InviteState = "init"
	InviteProceeding InviteState = "proceeding"
	InviteAccepted   InviteState = "accepted"
	InviteConfirmed  InviteState = "confirmed"
	InviteTerminated InviteState = "terminated"
)

// SubState is the subscription sub-state.
type SubState string

const (
	SubPending    SubState = "pending"
	SubActive     SubState = "active"
	SubTerminated SubState = "terminated"
)

// Subscription is one event subscription inside a dialog.
type Subscription struct {
	// Event is the event package plus optional ";id=".
	Event string
	// State is the subscription sub-state.
	State SubState

	expires *timerRef
}

// Dialog is one peer-to-peer SIP relationship owned by a call.
type Dialog struct {
	// ID is derived from Call-ID plus the local and remote tags.
	ID string
	// num is the timer subject for the dialog.
	num int

	LocalURI  *sip.URI
	RemoteURI *sip.URI
	LocalTag  string
	RemoteTag string
	// RemoteTarget is the peer Contact in-dialog requests are sent to.
	RemoteTarget *sip.URI
	// routeSet is learned from Record-Route of the dialog-forming 2xx.
	routeSet []*sip.NameAddr

	LocalCSeq  uint32
	RemoteCSeq uint32

	// Invite is the INVITE sub-state.
	Invite InviteState
	// Subscriptions are the event subscriptions of the dialog.
	Subscriptions []*Subscription

	// caller is true when the local side initiated the dialog.
	caller bool
	// remoteAllowsUpdate is learned from the peer Allow list.
	remoteAllowsUpdate bool
	// authorizedOrigins is the per-dialog set of admitted sources.
	authorizedOrigins []sip.Source

	refresh   *timerRef
	transp    *sip.Transp
	lastTouch time.Time
}

// RouteSet returns the stored route set.
func (d *Dialog) RouteSet() []*sip.NameAddr { return d.routeSet }

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", d.ID),
		slog.String("invite_state", string(d.Invite)),
		slog.Int("subscriptions", len(d.Subscriptions)),
	)
}

func (d *Dialog) addAuthorizedOrigin(src sip.Source) {
	if d.isAuthorizedOrigin(src) {
		return
	}
	d.authorizedOrigins = append(d.authorizedOrigins, src)
}

func (d *Dialog) isAuthorizedOrigin(src sip.Source) bool {
	for _, s := range d.authorizedOrigins {
		if s.Equal(src) {
			return true
		}
	}
	return false
}

func dialogID(callID, localTag, remoteTag string) string {
	return callID + "|" + localTag + "|" + remoteTag
}

// dialogForUAS finds the dialog addressed by an inbound request:
// the To tag is ours, the From tag the peer's.
func (c *Call) dialogForUAS(req *sip.Request) *Dialog {
	return c.dialogByID(dialogID(req.CallID, req.ToTag(), req.FromTag()))
}

// removeDialog destroys the dialog and its timers.
func (c *Call) removeDialog(d *Dialog) {
	c.stopTimer(d.refresh)
	for _, sub := range d.Subscriptions {
		c.stopTimer(sub.expires)
	}
	delete(c.dests, d.ID)
	for i, x := range c.dialogs {
		if x == d {
			c.dialogs = append(c.dialogs[:i], c.dialogs[i+1:]...)
			return
		}
	}
}

// dialogUACResponse observes responses of caller transactions: in-dialog
// requests advance or kill their dialog, dialog-forming ones create it.
func (c *Call) dialogUACResponse(tx *Transaction, res *sip.Response) {
	req := tx.Request

	if req.ToTag() != "" {
		d := c.dialogByID(dialogID(req.CallID, req.FromTag(), req.ToTag()))
		if d == nil {
			return
		}
		d.lastTouch = time.Now()
		// a 481 on any in-dialog request kills the dialog immediately
		if res.Status == sip.StatusCallTransactionDoesNotExist {
			c.removeDialog(d)
			return
		}
		if req.Method.Equal(sip.MethodBye) && res.Status.IsFinal() {
			d.Invite = InviteTerminated
			c.removeDialog(d)
			return
		}
		if res.Status.IsSuccessful() && len(res.Contacts) > 0 && res.Contacts[0].URI != nil {
			d.RemoteTarget = res.Contacts[0].URI.Clone()
		}
		if req.Method.Equal(sip.MethodSubscribe) && res.Status.IsSuccessful() {
			c.subscriptionUpdate(d, req.Headers.First("event"), res.Expires)
		}
		return
	}

	if !req.DialogForming() {
		return
	}

	remoteTag := res.ToTag()
	if remoteTag == "" || res.Status < 101 || res.Status >= 300 {
		if res.Status.IsFinal() && res.Status >= 300 {
			c.dialogTerminateEarly(req)
		}
		return
	}

	id := dialogID(req.CallID, req.FromTag(), remoteTag)
	d := c.dialogByID(id)
	if d == nil {
		d = &Dialog{
			ID:        id,
			LocalURI:  req.From.URI.Clone(),
			RemoteURI: req.To.URI.Clone(),
			LocalTag:  req.FromTag(),
			RemoteTag: remoteTag,
			LocalCSeq: req.CSeq.Num,
			Invite:    InviteInit,
			caller:    true,
		}
		c.nextTsxID++
		d.num = c.nextTsxID
		c.dialogs = append(c.dialogs, d)
	}
	d.lastTouch = time.Now()

	if len(res.Contacts) > 0 && res.Contacts[0].URI != nil {
		d.RemoteTarget = res.Contacts[0].URI.Clone()
	}
	if res.Status.IsSuccessful() && len(res.RecordRoutes) > 0 && len(d.routeSet) == 0 {
		// natural order on the caller side
		d.routeSet = cloneRouteSet(res.RecordRoutes)
	}
	if res.HasSupported("timer") || res.HasSupported("update") {
		d.remoteAllowsUpdate = true
	}
	if res.Transp != nil {
		d.transp = res.Transp
		c.dests[d.ID] = res.Transp
	}

	if req.Method.Equal(sip.MethodInvite) {
		switch {
		case res.Status.IsProvisional():
			d.Invite = InviteProceeding
		case res.Status.IsSuccessful():
			if d.Invite != InviteConfirmed {
				d.Invite = InviteAccepted
				c.dialogSendACK(d, res)
				d.Invite = InviteConfirmed
				c.armDialogRefresh(d)
			}
		}
	}
	if req.Method.Equal(sip.MethodSubscribe) && res.Status.IsSuccessful() {
		c.subscriptionUpdate(d, req.Headers.First("event"), res.Expires)
	}
}

// dialogTerminateEarly drops a dialog whose forming request failed.
func (c *Call) dialogTerminateEarly(req *sip.Request) {
	for _, d := range append([]*Dialog(nil), c.dialogs...) {
		if d.caller && d.LocalTag == req.FromTag() && d.Invite != InviteConfirmed {
			c.removeDialog(d)
		}
	}
}

// dialogSendACK acknowledges a 2xx INVITE through the stored route set.
func (c *Call) dialogSendACK(d *Dialog, res *sip.Response) {
	target := d.RemoteTarget
	if target == nil {
		target = d.RemoteURI
	}
	ack := sip.NewRequest(sip.MethodAck, target.Clone())
	ack.From = &sip.NameAddr{URI: d.LocalURI.Clone(), Params: sip.Values{}.Set("tag", d.LocalTag)}
	ack.To = &sip.NameAddr{URI: d.RemoteURI.Clone(), Params: sip.Values{}.Set("tag", d.RemoteTag)}
	ack.CallID = c.callID
	ack.CSeq = sip.CSeq{Num: res.CSeq.Num, Method: sip.MethodAck}
	ack.Routes = cloneRouteSet(d.routeSet)
	ack.Transp = d.transp
	via := &sip.Via{
		Proto:  c.svc.cfg.viaProto(),
		Host:   c.svc.cfg.viaHost(),
		Port:   c.svc.cfg.ViaPort,
		Params: sip.Values{}.Set("branch", sip.NewBranch()),
	}
	ack.Vias = []*sip.Via{via}
	c.sendRaw(ack)
}

// dialogUASResponse observes replies of dialog-forming server
// transactions.
func (c *Call) dialogUASResponse(tx *Transaction, res *sip.Response) {
	req := tx.Request
	localTag := res.ToTag()
	if localTag == "" || res.Status < 101 || res.Status >= 300 {
		return
	}

	id := dialogID(req.CallID, localTag, req.FromTag())
	d := c.dialogByID(id)
	if d == nil {
		d = &Dialog{
			ID:         id,
			LocalURI:   req.To.URI.Clone(),
			RemoteURI:  req.From.URI.Clone(),
			LocalTag:   localTag,
			RemoteTag:  req.FromTag(),
			RemoteCSeq: req.CSeq.Num,
			Invite:     InviteInit,
		}
		c.nextTsxID++
		d.num = c.nextTsxID
		c.dialogs = append(c.dialogs, d)
	}
	d.lastTouch = time.Now()

	if len(req.Contacts) > 0 && req.Contacts[0].URI != nil {
		d.RemoteTarget = req.Contacts[0].URI.Clone()
	}
	if res.Status.IsSuccessful() && len(req.RecordRoutes) > 0 && len(d.routeSet) == 0 {
		// reversed from the received order on the callee side
		rr := cloneRouteSet(req.RecordRoutes)
		for i, j := 0, len(rr)-1; i < j; i, j = i+1, j-1 {
			rr[i], rr[j] = rr[j], rr[i]
		}
		d.routeSet = rr
	}
	if req.HasSupported("timer") || req.HasSupported("update") {
		d.remoteAllowsUpdate = true
	}
	if req.Transp != nil {
		d.transp = req.Transp
		c.dests[d.ID] = req.Transp
	}

	if req.Method.Equal(sip.MethodInvite) {
		switch {
		case res.Status.IsProvisional():
			d.Invite = InviteProceeding
		case res.Status.IsSuccessful():
			d.Invite = InviteAccepted
		}
	}
	if req.Method.Equal(sip.MethodSubscribe) && res.Status.IsSuccessful() {
		expires := req.Expires
		if res.Expires >= 0 {
			expires = res.Expires
		}
		c.subscriptionUpdate(d, req.Headers.First("event"), expires)
	}
}

// dialogACK confirms an accepted UAS INVITE dialog.
func (c *Call) dialogACK(req *sip.Request) {
	d := c.dialogForUAS(req)
	if d == nil {
		c.routeACK(req)
		return
	}
	d.lastTouch = time.Now()
	if d.Invite == InviteAccepted {
		d.Invite = InviteConfirmed
		c.armDialogRefresh(d)
	}
}

// dialogUASRequest processes an in-dialog server request. It reports
// whether the request was fully consumed.
func (c *Call) dialogUASRequest(tx *Transaction) bool {
	req := tx.Request
	d := c.dialogForUAS(req)
	if d == nil {
		c.uasReply(tx, sip.StatusCallTransactionDoesNotExist, nil) //nolint:errcheck
		return true
	}
	d.lastTouch = time.Now()

	// strict CSeq ordering for everything but ACK
	if !req.Method.Equal(sip.MethodAck) {
		if d.RemoteCSeq != 0 && req.CSeq.Num <= d.RemoteCSeq {
			c.uasReply(tx, sip.StatusServerInternalError, //nolint:errcheck
				&ReplyOptions{Reason: "Invalid CSeq"})
			return true
		}
		d.RemoteCSeq = req.CSeq.Num
	}

	if len(req.Contacts) > 0 && req.Contacts[0].URI != nil {
		d.RemoteTarget = req.Contacts[0].URI.Clone()
	}
	if req.Transp != nil {
		d.transp = req.Transp
		c.dests[d.ID] = req.Transp
	}

	switch {
	case req.Method.Equal(sip.MethodBye):
		c.uasReply(tx, sip.StatusOK, nil) //nolint:errcheck
		d.Invite = InviteTerminated
		c.removeDialog(d)
		return true

	case req.Method.Equal(sip.MethodSubscribe):
		c.uasReply(tx, sip.StatusOK, &ReplyOptions{Expires: req.Expires}) //nolint:errcheck
		c.subscriptionUpdate(d, req.Headers.First("event"), req.Expires)
		return true

	case req.Method.Equal(sip.MethodNotify):
		c.uasReply(tx, sip.StatusOK, nil) //nolint:errcheck
		if util.EqFold(req.Headers.First("subscription-state"), "terminated") {
			c.subscriptionTerminate(d, req.Headers.First("event"))
		}
		return true

	case req.Method.Equal(sip.MethodUpdate):
		c.uasReply(tx, sip.StatusOK, nil) //nolint:errcheck
		return true
	}

	// re-INVITE and the rest go to the host handler
	return false
}

// dialogRequest builds and sends an in-dialog client request.
func (c *Call) dialogRequest(id string, method sip.RequestMethod, opts *RequestOptions) (sip.MsgID, error) {
	d := c.dialogByID(id)
	if d == nil {
		return 0, errtrace.Wrap(sip.ErrDialogNotFound)
	}
	d.lastTouch = time.Now()

	target := d.RemoteTarget
	if target == nil {
		target = d.RemoteURI
	}
	req := sip.NewRequest(method, target.Clone())
	req.From = &sip.NameAddr{URI: d.LocalURI.Clone(), Params: sip.Values{}.Set("tag", d.LocalTag)}
	req.To = &sip.NameAddr{URI: d.RemoteURI.Clone(), Params: sip.Values{}.Set("tag", d.RemoteTag)}
	req.CallID = c.callID
	d.LocalCSeq++
	req.CSeq = sip.CSeq{Num: d.LocalCSeq, Method: method}
	req.Routes = cloneRouteSet(d.routeSet)
	if opts != nil {
		req.Body = opts.Body
		req.ContentType = opts.ContentType
	}
	req.Transp = c.dests[d.ID]

	if method.Equal(sip.MethodBye) {
		d.Invite = InviteTerminated
	}
	if _, err := c.uacRequest(req, opts, fromCaller(opts)); err != nil {
		return 0, errtrace.Wrap(err)
	}
	return req.ID, nil
}

// armDialogRefresh starts the INVITE session refresh timer.
func (c *Call) armDialogRefresh(d *Dialog) {
	c.stopTimer(d.refresh)
	d.refresh = c.startTimer(c.timings.TimeDialog()/2, timerDialog, d.num)
}

// dialogTimer handles refresh and subscription expiry events.
func (c *Call) dialogTimer(w workTimer) {
	var d *Dialog
	for _, x := range c.dialogs {
		if x.num == w.subject {
			d = x
			break
		}
	}
	if d == nil {
		return
	}

	if d.refresh.current(w) {
		if d.Invite != InviteConfirmed {
			return
		}
		// refresh the session; UPDATE when the peer supports it, else re-INVITE
		method := sip.MethodInvite
		if d.remoteAllowsUpdate {
			method = sip.MethodUpdate
		}
		if _, err := c.dialogRequest(d.ID, method, &RequestOptions{}); err == nil {
			c.armDialogRefresh(d)
		}
		return
	}
	for _, sub := range d.Subscriptions {
		if sub.expires.current(w) {
			c.subscriptionTerminate(d, sub.Event)
			return
		}
	}
}

// subscriptionUpdate refreshes (or creates) the event subscription.
func (c *Call) subscriptionUpdate(d *Dialog, event string, expires int) {
	if event == "" {
		return
	}
	var sub *Subscription
	for _, s := range d.Subscriptions {
		if util.EqFold(s.Event, event) {
			sub = s
			break
		}
	}
	if expires == 0 {
		if sub != nil {
			c.subscriptionTerminate(d, event)
		}
		return
	}
	if sub == nil {
		sub = &Subscription{Event: event, State: SubPending}
		d.Subscriptions = append(d.Subscriptions, sub)
	}
	sub.State = SubActive
	if expires > 0 {
		c.stopTimer(sub.expires)
		sub.expires = c.startTimer(time.Duration(expires)*time.Second, timerDialog, d.num)
	}
}

// subscriptionTerminate removes the event subscription, and the dialog
// itself when nothing else keeps it alive.
func (c *Call) subscriptionTerminate(d *Dialog, event string) {
	for i, s := range d.Subscriptions {
		if util.EqFold(s.Event, event) {
			c.stopTimer(s.expires)
			s.State = SubTerminated
			d.Subscriptions = append(d.Subscriptions[:i], d.Subscriptions[i+1:]...)
			break
		}
	}
	if len(d.Subscriptions) == 0 && d.Invite == InviteInit {
		c.removeDialog(d)
	}
}

// sendRaw serialises a request that belongs to no transaction (ACK).
func (c *Call) sendRaw(req *sip.Request) {
	if err := c.svc.cfg.Sender.SendRequest(context.Background(), req); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelInfo,
			"send failed", slog.Any("request", req), slog.Any("error", err))
	}
}
