package call_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/voclab/sipcall/call"
	"github.com/voclab/sipcall/sip"
)

func TestDialog_UACEstablishAndBye(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(t, call.Config{})

	callID := "dlg-uac"
	req := newOutReq(sip.MethodInvite, callID)
	req.Transp = tcpTransp(1, "198.51.100.2:5060")
	if _, err := svc.SendRequestAsync(req, nil); err != nil {
		t.Fatalf("SendRequestAsync() error = %v, want nil", err)
	}
	invite := sender.waitReq(t, time.Second)
	localTag := invite.FromTag()
	if localTag == "" {
		t.Fatal("engine did not tag From")
	}

	// ringing with a tag creates the dialog in proceeding
	if err := svc.Recv(respondTo(invite, sip.StatusRinging, "remote-tag")); err != nil {
		t.Fatal(err)
	}
	dlgID := dialogIDFor(callID, localTag, "remote-tag")
	var state call.InviteState
	if err := svc.ApplyDialog(callID, dlgID, func(d *call.Dialog) { state = d.Invite }); err != nil {
		t.Fatalf("ApplyDialog() error = %v, want nil", err)
	}
	if state != call.InviteProceeding {
		t.Fatalf("invite state = %v, want proceeding", state)
	}

	// the 2xx carries Record-Route and Contact; the engine ACKs through
	// the stored route set
	ok := respondTo(invite, sip.StatusOK, "remote-tag")
	ok.RecordRoutes = []*sip.NameAddr{
		{URI: &sip.URI{Host: "p1.example.com", Params: sip.Values{}.Set("lr", "")}},
		{URI: &sip.URI{Host: "p2.example.com", Params: sip.Values{}.Set("lr", "")}},
	}
	if err := svc.Recv(ok); err != nil {
		t.Fatal(err)
	}

	ack := sender.waitReq(t, time.Second)
	if ack.Method != sip.MethodAck {
		t.Fatalf("sent %v, want ACK", ack.Method)
	}
	if ack.RURI.Host != "downstream.example.com" {
		t.Fatalf("ACK RURI = %v, want the remote target", ack.RURI)
	}
	// caller side keeps the Record-Route order
	var gotRoutes []string
	for _, r := range ack.Routes {
		gotRoutes = append(gotRoutes, r.URI.Host)
	}
	if diff := cmp.Diff([]string{"p1.example.com", "p2.example.com"}, gotRoutes); diff != "" {
		t.Fatalf("ACK route set mismatch (-want +got):\n%s", diff)
	}

	if err := svc.ApplyDialog(callID, dlgID, func(d *call.Dialog) { state = d.Invite }); err != nil {
		t.Fatalf("ApplyDialog() error = %v, want nil", err)
	}
	if state != call.InviteConfirmed {
		t.Fatalf("invite state = %v, want confirmed", state)
	}

	// in-dialog BYE reuses the route set and bumps the local CSeq
	resCh := make(chan *sip.Response, 1)
	go func() {
		res, err := svc.SendDialogRequest(context.Background(), callID, dlgID, sip.MethodBye, nil)
		if err == nil {
			resCh <- res
		}
	}()
	bye := sender.waitReq(t, time.Second)
	if bye.Method != sip.MethodBye {
		t.Fatalf("sent %v, want BYE", bye.Method)
	}
	if bye.CSeq.Num <= invite.CSeq.Num {
		t.Fatalf("BYE CSeq = %d, want > %d", bye.CSeq.Num, invite.CSeq.Num)
	}
	if len(bye.Routes) != 2 {
		t.Fatalf("BYE route set = %v, want 2 entries", bye.Routes)
	}

	if err := svc.Recv(respondTo(bye, sip.StatusOK, "remote-tag")); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-resCh:
		if res.Status != sip.StatusOK {
			t.Fatalf("BYE final = %v, want 200", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("no BYE final")
	}

	// the dialog is gone
	err := svc.ApplyDialog(callID, dlgID, func(*call.Dialog) {})
	if !errors.Is(err, sip.ErrDialogNotFound) {
		t.Fatalf("ApplyDialog() after BYE error = %v, want %v", err, sip.ErrDialogNotFound)
	}
}

func TestDialog_481KillsDialog(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(t, call.Config{})

	callID := "dlg-481"
	req := newOutReq(sip.MethodInvite, callID)
	req.Transp = tcpTransp(1, "198.51.100.2:5060")
	if _, err := svc.SendRequestAsync(req, nil); err != nil {
		t.Fatal(err)
	}
	invite := sender.waitReq(t, time.Second)
	if err := svc.Recv(respondTo(invite, sip.StatusOK, "remote-tag")); err != nil {
		t.Fatal(err)
	}
	sender.waitReq(t, time.Second) // ACK

	dlgID := dialogIDFor(callID, invite.FromTag(), "remote-tag")
	go svc.SendDialogRequest(context.Background(), callID, dlgID, sip.MethodInfo, nil) //nolint:errcheck
	info := sender.waitReq(t, time.Second)
	if err := svc.Recv(respondTo(info, sip.StatusCallTransactionDoesNotExist, "remote-tag")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		err := svc.ApplyDialog(callID, dlgID, func(*call.Dialog) {})
		if errors.Is(err, sip.ErrDialogNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dialog still alive after 481")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDialog_UASCSeqEnforcement(t *testing.T) {
	t.Parallel()

	h := &pendingHandler{}
	svc, sender := newTestService(t, call.Config{Handler: h.handle})

	transp := tcpTransp(1, "198.51.100.3:5070")
	callID := "dlg-cseq"
	invite := newInReq(sip.MethodInvite, callID, sip.MagicCookie+"dlgcseq", transp)
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)
	h.reply(t, 0, sip.StatusOK, nil)
	ok := sender.waitResStatus(t, sip.StatusOK, time.Second)

	// in-dialog request with a stale CSeq is rejected 500
	stale := newInReq(sip.MethodInfo, callID, sip.MagicCookie+"dlgstale", transp)
	stale.To.SetTag(ok.ToTag())
	stale.CSeq = sip.CSeq{Num: invite.CSeq.Num, Method: sip.MethodInfo}
	if err := svc.Recv(stale); err != nil {
		t.Fatal(err)
	}
	res := sender.waitResStatus(t, sip.StatusServerInternalError, time.Second)
	if got, want := res.Reason, "Invalid CSeq"; got != want {
		t.Fatalf("reason = %q, want %q", got, want)
	}

	// a fresh CSeq goes through; BYE terminates the dialog
	bye := newInReq(sip.MethodBye, callID, sip.MagicCookie+"dlgbye", transp)
	bye.To.SetTag(ok.ToTag())
	bye.CSeq = sip.CSeq{Num: invite.CSeq.Num + 1, Method: sip.MethodBye}
	if err := svc.Recv(bye); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusOK, time.Second)

	err := svc.ApplyDialog(callID, dialogIDFor(callID, ok.ToTag(), invite.FromTag()), func(*call.Dialog) {})
	if !errors.Is(err, sip.ErrDialogNotFound) {
		t.Fatalf("ApplyDialog() after BYE error = %v, want %v", err, sip.ErrDialogNotFound)
	}
}

func TestDialog_UASRouteSetReversed(t *testing.T) {
	t.Parallel()

	h := &pendingHandler{}
	svc, sender := newTestService(t, call.Config{Handler: h.handle})

	transp := tcpTransp(1, "198.51.100.3:5070")
	callID := "dlg-reversed"
	invite := newInReq(sip.MethodInvite, callID, sip.MagicCookie+"dlgrev", transp)
	invite.RecordRoutes = []*sip.NameAddr{
		{URI: &sip.URI{Host: "p1.example.com", Params: sip.Values{}.Set("lr", "")}},
		{URI: &sip.URI{Host: "p2.example.com", Params: sip.Values{}.Set("lr", "")}},
	}
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)
	h.reply(t, 0, sip.StatusOK, nil)
	ok := sender.waitResStatus(t, sip.StatusOK, time.Second)

	// the 2xx echoes Record-Route for the peer
	if len(ok.RecordRoutes) != 2 {
		t.Fatalf("2xx Record-Routes = %d, want 2", len(ok.RecordRoutes))
	}

	var routes []string
	err := svc.ApplyDialog(callID, dialogIDFor(callID, ok.ToTag(), invite.FromTag()), func(d *call.Dialog) {
		for _, r := range d.RouteSet() {
			routes = append(routes, r.URI.Host)
		}
	})
	if err != nil {
		t.Fatalf("ApplyDialog() error = %v, want nil", err)
	}
	// callee side stores the reversed order
	if diff := cmp.Diff([]string{"p2.example.com", "p1.example.com"}, routes); diff != "" {
		t.Fatalf("route set mismatch (-want +got):\n%s", diff)
	}
}

func TestDialog_Subscription(t *testing.T) {
	t.Parallel()

	svc, sender := newTestService(t, call.Config{})

	transp := tcpTransp(1, "198.51.100.3:5070")
	callID := "dlg-sub"
	sub := newInReq(sip.MethodSubscribe, callID, sip.MagicCookie+"dlgsub", transp)
	sub.Headers = sip.Values{}.Set("event", "presence")
	sub.Expires = 60
	if err := svc.Recv(sub); err != nil {
		t.Fatal(err)
	}
	// default processing accepts the SUBSCRIBE
	ok := sender.waitResStatus(t, sip.StatusOK, time.Second)
	if ok.ToTag() == "" {
		t.Fatal("SUBSCRIBE 200 must create a dialog tag")
	}

	dlgID := dialogIDFor(callID, ok.ToTag(), sub.FromTag())
	var states []call.SubState
	err := svc.ApplyDialog(callID, dlgID, func(d *call.Dialog) {
		for _, s := range d.Subscriptions {
			states = append(states, s.State)
		}
	})
	if err != nil {
		t.Fatalf("ApplyDialog() error = %v, want nil", err)
	}
	if len(states) != 1 || states[0] != call.SubActive {
		t.Fatalf("subscription states = %v, want [active]", states)
	}

	// a terminating NOTIFY removes the subscription and the dialog
	notify := newInReq(sip.MethodNotify, callID, sip.MagicCookie+"dlgnot", transp)
	notify.To.SetTag(ok.ToTag())
	notify.CSeq = sip.CSeq{Num: sub.CSeq.Num + 1, Method: sip.MethodNotify}
	notify.Headers = sip.Values{}.Set("event", "presence").Set("subscription-state", "terminated")
	if err := svc.Recv(notify); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusOK, time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		err := svc.ApplyDialog(callID, dlgID, func(*call.Dialog) {})
		if errors.Is(err, sip.ErrDialogNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dialog still alive after terminating NOTIFY")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
