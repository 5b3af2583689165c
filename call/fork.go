package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voclab/sipcall/sip"
	"github.com/voclab/sipcall/stats"
)

type forkFinal string

const (
	forkFinalNone forkFinal = ""
	forkFinal2xx  forkFinal = "2xx"
	forkFinal6xx  forkFinal = "6xx"
)

// cancelElsewhere is the CANCEL reason used when a 2xx wins the fork.
const cancelElsewhere = "Call completed elsewhere"

// Fork is one serial-of-parallel dispatch of a request to multiple
// targets. Groups in uriset are tried sequentially, targets inside a
// group in parallel.
type Fork struct {
	// id equals the originating server transaction id.
	id      int
	method  sip.RequestMethod
	request *sip.Request
	uriset  [][]*sip.URI
	// launched holds every child UAC id, pending the still-undecided ones.
	launched  []int
	pending   map[int]struct{}
	responses []*sip.Response
	final     forkFinal
	delivered bool
	// launching guards forkCheck against re-entry while a group is
	// being launched and branches can fail synchronously.
	launching bool
	opts      *ProxyOpts
	started   time.Time
}

// LogValue implements [slog.LogValuer].
func (f *Fork) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("id", f.id),
		slog.Any("method", f.method),
		slog.Int("pending", len(f.pending)),
		slog.String("final", string(f.final)),
	)
}

// forkRequest creates the fork for a proxied server transaction and
// launches the first target group.
func (c *Call) forkRequest(tx *Transaction, targets [][]*sip.URI, opts *ProxyOpts) {
	f := &Fork{
		id:      tx.ID,
		method:  tx.Request.Method,
		request: tx.Request,
		uriset:  targets,
		pending: make(map[int]struct{}),
		opts:    opts,
		started: time.Now(),
	}
	c.forks = append(c.forks, f)
	c.forkNextGroup(f)
	c.forkCheck(f)
}

// forkNextGroup launches every URI in the next pending group as child
// client transactions pointing back at the fork.
func (c *Call) forkNextGroup(f *Fork) {
	if len(f.uriset) == 0 {
		return
	}
	group := f.uriset[0]
	f.uriset = f.uriset[1:]
	c.forkLaunch(f, group)
}

func (c *Call) forkLaunch(f *Fork, group []*sip.URI) {
	f.launching = true
	defer func() { f.launching = false }()
	for _, target := range group {
		req, err := c.forwardRequest(f.request, target, f.opts)
		if err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelInfo,
				"fork target rejected", slog.Int("fork", f.id), slog.Any("error", err))
			f.responses = append(f.responses,
				sip.NewResponse(f.request, sip.StatusServiceUnavailable, ""))
			continue
		}
		tx, err := c.uacRequest(req, &RequestOptions{}, fromFork(f.id))
		if err != nil {
			f.responses = append(f.responses,
				sip.NewResponse(f.request, sip.StatusServiceUnavailable, ""))
			continue
		}
		stats.ForkBranches.Inc()
		f.launched = append(f.launched, tx.ID)
		// a branch the transport rejected outright has already routed its
		// synthetic 503 back through the fork
		if !tx.IsFinished() {
			f.pending[tx.ID] = struct{}{}
		}
	}
}

// forkResponse classifies one child response per RFC 3261 Section 16.7.
func (c *Call) forkResponse(forkID int, tx *Transaction, res *sip.Response) {
	f := c.forkByID(forkID)
	if f == nil {
		return
	}

	status := res.Status
	if status.IsFinal() {
		delete(f.pending, tx.ID)
	}

	switch {
	case status == sip.StatusTrying:
		// never forwarded upstream

	case status.IsProvisional():
		if f.final == forkFinalNone {
			c.forkForward(f, res)
		}

	case status.IsSuccessful():
		c.forkForward(f, res)
		if f.final == forkFinalNone {
			f.final = forkFinal2xx
			f.uriset = nil
			c.forkCancel(f, cancelElsewhere)
		}

	case status.IsRedirection():
		if f.opts != nil && f.opts.FollowRedirects && f.final == forkFinalNone && len(res.Contacts) > 0 {
			// the redirect contacts replace the groups still pending
			f.uriset = nil
			c.forkLaunch(f, redirectTargets(f.request, res))
		} else {
			f.responses = append(f.responses, res)
		}

	case status.IsGlobalFailure():
		c.forkForward(f, res)
		if f.final == forkFinalNone {
			f.final = forkFinal6xx
			f.uriset = nil
			c.forkCancel(f, fmt.Sprintf("SIP;cause=%d", status))
		}

	default: // 4xx-5xx
		f.responses = append(f.responses, res)
	}

	c.forkCheck(f)
}

// redirectTargets extracts the Contact targets of a 3xx, dropping sip
// contacts when the original request was sips.
func redirectTargets(req *sip.Request, res *sip.Response) []*sip.URI {
	var out []*sip.URI
	for _, contact := range res.Contacts {
		if contact.URI == nil {
			continue
		}
		if req.RURI.Secured && !contact.URI.Secured {
			continue
		}
		out = append(out, contact.URI.Clone())
	}
	return out
}

// forkForward sends a child response upstream through the fork's server
// transaction.
func (c *Call) forkForward(f *Fork, res *sip.Response) {
	opts := &ReplyOptions{
		Reason:      res.Reason,
		To:          res.To,
		Contacts:    res.Contacts,
		Supported:   res.Supported,
		Require:     res.Require,
		Body:        res.Body,
		ContentType: res.ContentType,
		Headers:     res.Headers,
	}
	status := res.Status
	if status == sip.StatusServiceUnavailable {
		// 503 is rewritten as 500 upstream
		status = sip.StatusServerInternalError
		opts.Reason = ""
	}
	if err := c.uasReplyByID(f.id, status, opts); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug,
			"fork upstream reply dropped", slog.Int("fork", f.id), slog.Any("error", err))
	}
}

// forkCancel cancels every pending branch; branches still waiting for a
// provisional defer the CANCEL to their first 1xx.
func (c *Call) forkCancel(f *Fork, reason string) {
	for id := range f.pending {
		tx := c.transByID(id)
		if tx == nil || !tx.Method.Equal(sip.MethodInvite) || tx.cancel == cancelDone {
			continue
		}
		switch tx.Status() {
		case TxInviteProceeding:
			tx.cancel = cancelDone
			c.emitCancel(tx, reason)
		case TxInviteCalling:
			tx.cancel = cancelPending
		}
	}
}

// forkCheck advances the fork when no pending work remains: next group,
// best response, deletion.
func (c *Call) forkCheck(f *Fork) {
	if f.launching {
		return
	}
	for len(f.pending) == 0 {
		if f.final == forkFinalNone && len(f.uriset) > 0 {
			// a group that produced nothing launchable falls through to
			// the next one
			c.forkNextGroup(f)
			continue
		}
		if f.final == forkFinalNone && !f.delivered {
			if !f.method.Equal(sip.MethodAck) {
				c.forkForward(f, c.bestResponse(f))
			}
			f.delivered = true
		}
		c.removeFork(f)
		return
	}
}

// bestResponse selects the response to forward upstream from the
// collected non-2xx finals: auth challenges first with their challenge
// headers merged, then specific client failures, then 503, then 6xx by
// code, then everything else by code. An empty set synthesises 480.
func (c *Call) bestResponse(f *Fork) *sip.Response {
	if len(f.responses) == 0 {
		return sip.NewResponse(f.request, sip.StatusTemporarilyUnavailable, "")
	}

	best := f.responses[0]
	bestRank, bestCode := responseRank(best)
	for _, res := range f.responses[1:] {
		rank, code := responseRank(res)
		if rank < bestRank || (rank == bestRank && code < bestCode) {
			best, bestRank, bestCode = res, rank, code
		}
	}

	if best.Status == sip.StatusUnauthorized || best.Status == sip.StatusProxyAuthRequired {
		orig := best
		best = best.Clone()
		if best.Headers == nil {
			best.Headers = make(sip.Values)
		}
		for _, res := range f.responses {
			if res == orig || (res.Status != sip.StatusUnauthorized && res.Status != sip.StatusProxyAuthRequired) {
				continue
			}
			for _, v := range res.Headers.Get("www-authenticate") {
				best.Headers.Append("www-authenticate", v)
			}
			for _, v := range res.Headers.Get("proxy-authenticate") {
				best.Headers.Append("proxy-authenticate", v)
			}
		}
	}
	return best
}

func responseRank(res *sip.Response) (int, int) {
	code := int(res.Status)
	switch res.Status {
	case sip.StatusUnauthorized, sip.StatusProxyAuthRequired:
		return 0, code
	case sip.StatusUnsupportedMediaType:
		return 1, code
	case sip.StatusBadExtension:
		return 2, code
	case sip.StatusAddressIncomplete:
		return 3, code
	case sip.StatusServiceUnavailable:
		return 4, code
	}
	if res.Status.IsGlobalFailure() {
		return 5, code
	}
	return 6, code
}
