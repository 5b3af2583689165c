package call_test

import (
	"testing"
	"time"

	"github.com/voclab/sipcall/call"
	"github.com/voclab/sipcall/sip"
)

func forkTargets(hosts ...string) [][]*sip.URI {
	group := make([]*sip.URI, len(hosts))
	for i, h := range hosts {
		group[i] = &sip.URI{User: "bob", Host: h}
	}
	return [][]*sip.URI{group}
}

func proxyService(t *testing.T, targets [][]*sip.URI, opts call.ProxyOpts) (*call.Service, *stubSender) {
	t.Helper()
	cb := &testCallbacks{route: func(_, _, _ string, _ *sip.Request) call.RouteReplyTo {
		return call.RouteReplyTo{Kind: call.RouteProxy, Targets: targets, Opts: opts}
	}}
	return newTestService(t, call.Config{Callbacks: cb})
}

// collectForked reads the n launched branch requests off the sender,
// coalescing retransmissions by branch.
func collectForked(t *testing.T, sender *stubSender, method sip.RequestMethod, n int) []*sip.Request {
	t.Helper()
	out := make([]*sip.Request, 0, n)
	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case req := <-sender.reqs:
			if req.Method != method || seen[req.Via().Branch()] {
				continue
			}
			seen[req.Via().Branch()] = true
			out = append(out, req)
		case <-deadline:
			t.Fatalf("collected %d %v branches, want %d", len(out), method, n)
		}
	}
	return out
}

func TestFork_2xxWins(t *testing.T) {
	t.Parallel()

	svc, sender := proxyService(t, forkTargets("t1.example.com", "t2.example.com", "t3.example.com", "t4.example.com"), call.ProxyOpts{})

	invite := newInReq(sip.MethodInvite, "fork-2xx", sip.MagicCookie+"fork2xx", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatalf("Recv(INVITE) error = %v, want nil", err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	branches := collectForked(t, sender, sip.MethodInvite, 4)

	// ring every branch so CANCELs can go out immediately
	for i, b := range branches {
		if err := svc.Recv(respondTo(b, sip.StatusRinging, "tag-b"+string(rune('1'+i)))); err != nil {
			t.Fatalf("Recv(180 branch %d) error = %v, want nil", i, err)
		}
	}
	sender.waitResStatus(t, sip.StatusRinging, time.Second)

	// the second branch answers
	if err := svc.Recv(respondTo(branches[1], sip.StatusOK, "tag-b2")); err != nil {
		t.Fatalf("Recv(200) error = %v, want nil", err)
	}
	sender.waitResStatus(t, sip.StatusOK, time.Second)

	// the three losing branches get CANCEL with the completed-elsewhere reason
	cancels := collectForked(t, sender, sip.MethodCancel, 3)
	seen := map[string]bool{}
	for _, cancel := range cancels {
		if got, want := cancel.Headers.First("reason"), "Call completed elsewhere"; got != want {
			t.Errorf("CANCEL reason = %q, want %q", got, want)
		}
		seen[cancel.Via().Branch()] = true
	}
	for i, b := range branches {
		if i == 1 {
			continue
		}
		if !seen[b.Via().Branch()] {
			t.Errorf("branch %d received no CANCEL", i)
		}
	}
	if seen[branches[1].Via().Branch()] {
		t.Error("the winning branch was cancelled")
	}

	// cancelled branches answer 487; upstream must not see another final
	for i, b := range branches {
		if i == 1 {
			continue
		}
		if err := svc.Recv(respondTo(b, sip.StatusRequestTerminated, "tag-b"+string(rune('1'+i)))); err != nil {
			t.Fatalf("Recv(487 branch %d) error = %v, want nil", i, err)
		}
	}
	select {
	case res := <-sender.ress:
		if res.Status.IsFinal() && res.CSeq.Method == sip.MethodInvite && res.Status != sip.StatusOK {
			t.Fatalf("upstream saw a second final %v", res.Status)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFork_BestResponse(t *testing.T) {
	t.Parallel()

	svc, sender := proxyService(t, forkTargets("t1.example.com", "t2.example.com"), call.ProxyOpts{})

	invite := newInReq(sip.MethodInvite, "fork-best", sip.MagicCookie+"forkbest", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatalf("Recv(INVITE) error = %v, want nil", err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	branches := collectForked(t, sender, sip.MethodInvite, 2)
	if err := svc.Recv(respondTo(branches[0], sip.StatusNotFound, "t1")); err != nil {
		t.Fatal(err)
	}
	if err := svc.Recv(respondTo(branches[1], sip.StatusBusyHere, "t2")); err != nil {
		t.Fatal(err)
	}

	// both are plain 4xx: the lower code wins
	res := sender.waitResStatus(t, sip.StatusNotFound, time.Second)
	if res.CSeq.Method != sip.MethodInvite {
		t.Fatalf("upstream CSeq method = %v, want INVITE", res.CSeq.Method)
	}
}

func TestFork_AuthChallengesMerged(t *testing.T) {
	t.Parallel()

	svc, sender := proxyService(t, forkTargets("t1.example.com", "t2.example.com"), call.ProxyOpts{})

	invite := newInReq(sip.MethodInvite, "fork-auth", sip.MagicCookie+"forkauth", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	branches := collectForked(t, sender, sip.MethodInvite, 2)

	res1 := respondTo(branches[0], sip.StatusUnauthorized, "t1")
	res1.Headers = sip.Values{}.Set("www-authenticate", `Digest realm="r1", nonce="n1"`)
	res2 := respondTo(branches[1], sip.StatusUnauthorized, "t2")
	res2.Headers = sip.Values{}.Set("www-authenticate", `Digest realm="r2", nonce="n2"`)
	if err := svc.Recv(res1); err != nil {
		t.Fatal(err)
	}
	if err := svc.Recv(res2); err != nil {
		t.Fatal(err)
	}

	res := sender.waitResStatus(t, sip.StatusUnauthorized, time.Second)
	if got := len(res.Headers.Get("www-authenticate")); got != 2 {
		t.Fatalf("merged challenges = %d, want 2", got)
	}
}

func TestFork_503RewrittenAs500(t *testing.T) {
	t.Parallel()

	svc, sender := proxyService(t, forkTargets("t1.example.com"), call.ProxyOpts{})

	invite := newInReq(sip.MethodInvite, "fork-503", sip.MagicCookie+"fork503", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	branches := collectForked(t, sender, sip.MethodInvite, 1)
	if err := svc.Recv(respondTo(branches[0], sip.StatusServiceUnavailable, "t1")); err != nil {
		t.Fatal(err)
	}

	sender.waitResStatus(t, sip.StatusServerInternalError, time.Second)
}

func TestFork_NoResponsesSynthesises480(t *testing.T) {
	t.Parallel()

	// an unroutable target group: the sender fails, branches collect 503,
	// rewritten upstream as 500; an empty set instead yields 480
	cb := &testCallbacks{route: func(_, _, _ string, _ *sip.Request) call.RouteReplyTo {
		return call.RouteReplyTo{Kind: call.RouteProxy, Targets: [][]*sip.URI{{}}}
	}}
	svc, sender := newTestService(t, call.Config{Callbacks: cb})

	invite := newInReq(sip.MethodInvite, "fork-480", sip.MagicCookie+"fork480", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}

	sender.waitResStatus(t, sip.StatusTemporarilyUnavailable, time.Second)
}

func TestFork_SequentialGroups(t *testing.T) {
	t.Parallel()

	targets := [][]*sip.URI{
		{{User: "bob", Host: "g1.example.com"}},
		{{User: "bob", Host: "g2.example.com"}},
	}
	svc, sender := proxyService(t, targets, call.ProxyOpts{})

	invite := newInReq(sip.MethodInvite, "fork-serial", sip.MagicCookie+"forkser", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	first := collectForked(t, sender, sip.MethodInvite, 1)[0]
	if first.RURI.Host != "g1.example.com" {
		t.Fatalf("first group target = %q, want g1", first.RURI.Host)
	}

	// the first group fails; the second launches
	if err := svc.Recv(respondTo(first, sip.StatusBusyHere, "g1")); err != nil {
		t.Fatal(err)
	}
	second := collectForked(t, sender, sip.MethodInvite, 1)[0]
	if second.RURI.Host != "g2.example.com" {
		t.Fatalf("second group target = %q, want g2", second.RURI.Host)
	}

	// the second group succeeds; upstream sees the 200, not the 486
	if err := svc.Recv(respondTo(second, sip.StatusOK, "g2")); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusOK, time.Second)
}

func TestFork_FollowRedirects(t *testing.T) {
	t.Parallel()

	svc, sender := proxyService(t, forkTargets("t1.example.com"), call.ProxyOpts{FollowRedirects: true})

	invite := newInReq(sip.MethodInvite, "fork-redirect", sip.MagicCookie+"forkred", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	first := collectForked(t, sender, sip.MethodInvite, 1)[0]
	redirect := respondTo(first, sip.StatusMultipleChoices, "t1")
	redirect.Contacts = []*sip.NameAddr{{URI: &sip.URI{User: "bob", Host: "moved.example.com"}}}
	if err := svc.Recv(redirect); err != nil {
		t.Fatal(err)
	}

	relaunched := collectForked(t, sender, sip.MethodInvite, 1)[0]
	if relaunched.RURI.Host != "moved.example.com" {
		t.Fatalf("redirect target = %q, want moved.example.com", relaunched.RURI.Host)
	}
}

func TestFork_TimerC(t *testing.T) {
	t.Parallel()

	cb := &testCallbacks{route: func(_, _, _ string, _ *sip.Request) call.RouteReplyTo {
		return call.RouteReplyTo{Kind: call.RouteProxy, Targets: forkTargets("slow.example.com")}
	}}
	timings := sip.NewTimings(10*time.Millisecond, 80*time.Millisecond, 20*time.Millisecond).
		WithTimeC(150 * time.Millisecond)
	svc, sender := newTestService(t, call.Config{Callbacks: cb, Timings: timings})

	invite := newInReq(sip.MethodInvite, "fork-timer-c", sip.MagicCookie+"forktc", udpTransp(1, "198.51.100.3:5070"))
	if err := svc.Recv(invite); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusTrying, time.Second)

	branch := collectForked(t, sender, sip.MethodInvite, 1)[0]
	// ring and then stall: Timer C must cancel the branch
	if err := svc.Recv(respondTo(branch, sip.StatusRinging, "slow")); err != nil {
		t.Fatal(err)
	}
	sender.waitResStatus(t, sip.StatusRinging, time.Second)

	res := sender.waitResStatus(t, sip.StatusRequestTimeout, 2*time.Second)
	// Timer B can beat Timer C under contention; both reasons are valid,
	// but C should win with the margins configured here
	if res.Reason != "Timer C Timeout" && res.Reason != "Timer B Timeout" {
		t.Fatalf("reason = %q, want a named timer", res.Reason)
	}
}
