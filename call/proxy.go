package call

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/voclab/sipcall/sip"
)

// forwardRequest builds the downstream copy of a proxied request: fresh
// message id and Via branch, decremented Max-Forwards, Record-Route /
// Path insertion, and the decoded route flow pinned as the transport.
func (c *Call) forwardRequest(base *sip.Request, target *sip.URI, opts *ProxyOpts) (*sip.Request, error) {
	if base.MaxForwards <= 0 {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("max forwards exhausted"))
	}

	req := base.Clone()
	req.ID = sip.NextMsgID()
	req.RURI = target.Clone()
	req.MaxForwards = base.MaxForwards - 1

	// the local service is no longer the destination
	c.popSelfRoute(req)

	branch := sip.NewBranch()
	via := &sip.Via{
		Proto:  c.svc.cfg.viaProto(),
		Host:   c.svc.cfg.viaHost(),
		Port:   c.svc.cfg.ViaPort,
		Params: sip.Values{}.Set("branch", branch),
	}
	req.Vias = append([]*sip.Via{via}, req.Vias...)

	if opts != nil && opts.Record && req.DialogForming() {
		if ob := c.svc.cfg.Outbound; ob != nil {
			if rr := ob.RecordRoute(req, opts, branch); rr != nil {
				req.RecordRoutes = append([]*sip.NameAddr{rr}, req.RecordRoutes...)
			}
		}
	}
	if opts != nil && opts.Path && req.Method.Equal(sip.MethodRegister) {
		if ob := c.svc.cfg.Outbound; ob != nil {
			if p := ob.Path(req, opts, branch); p != nil {
				req.Paths = append([]*sip.NameAddr{p}, req.Paths...)
			}
		}
	}

	if opts != nil && opts.routeFlow != nil {
		req.Transp = opts.routeFlow
	} else {
		req.Transp = nil
		if res := c.svc.cfg.Resolver; res != nil {
			if targets, err := res.Resolve(context.Background(), req.RURI); err == nil && len(targets) > 0 {
				// hand the transport layer a resolved destination hint
				req.Transp = &sip.Transp{Proto: targets[0].Proto, Remote: targets[0].Addr}
			}
		}
	}
	return req, nil
}

// popSelfRoute removes the top Route when it addresses this service.
func (c *Call) popSelfRoute(req *sip.Request) {
	if len(req.Routes) == 0 {
		return
	}
	top := req.Routes[0]
	if top.URI == nil {
		return
	}
	if top.URI.Host == c.svc.cfg.viaHost() && top.URI.Port == c.svc.cfg.ViaPort {
		req.Routes = req.Routes[1:]
	}
}

// proxyStateless forwards a request with no fork state. The downstream
// branch is derived from the inbound one so retransmissions map to the
// same downstream transaction, per RFC 3261 Section 16.11.
func (c *Call) proxyStateless(tx *Transaction, targets [][]*sip.URI, opts *ProxyOpts) {
	c.removeTrans(tx)
	req := tx.Request

	var target *sip.URI
	for _, group := range targets {
		if len(group) > 0 {
			target = group[0]
			break
		}
	}
	if target == nil {
		c.statelessReply(req, sip.StatusTemporarilyUnavailable, "")
		return
	}

	fwd, err := c.forwardRequest(req, target, opts)
	if err != nil {
		c.statelessReply(req, sip.StatusTooManyHops, "")
		return
	}
	// overwrite the generated branch with the derived one
	fwd.Via().Params.Set("branch", sip.MagicCookie+sip.MD5Hex(req.Via().Branch(), req.CSeq.String()))

	if err := c.svc.cfg.Sender.SendRequest(context.Background(), fwd); err != nil {
		c.log.LogAttrs(context.Background(), slog.LevelInfo,
			"stateless forward failed", slog.Any("request", fwd), slog.Any("error", err))
	}
}

// recvResponse dispatches an inbound response: matched client
// transactions first, then the stateless proxy response path.
func (c *Call) recvResponse(res *sip.Response) {
	if c.uacDispatch(res) {
		return
	}
	// stateless proxy path: strip our Via and relay upstream
	if len(res.Vias) >= 2 {
		out := res.Clone()
		out.ID = sip.NextMsgID()
		out.Vias = out.Vias[1:]
		out.Transp = nil
		if err := c.svc.cfg.Sender.SendResponse(context.Background(), out); err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelInfo,
				"stateless response relay failed", slog.Any("response", out), slog.Any("error", err))
		}
		return
	}
	c.log.LogAttrs(context.Background(), slog.LevelDebug,
		"dropped response without transaction", slog.Any("response", res))
}

// routeACK asks the route callback what to do with an ACK that matched
// neither a transaction nor a dialog; proxies forward it downstream.
func (c *Call) routeACK(req *sip.Request) {
	route := c.svc.cfg.callbacks().Route(req.RURI.Scheme(), req.RURI.User, req.RURI.Host, req)
	switch route.Kind {
	case RouteProxy, RouteProxyStateless, RouteStrictProxy:
		opts := route.Opts
		if ob := c.svc.cfg.Outbound; ob != nil {
			if err := ob.ProxyRoute(req, &opts); err != nil {
				c.log.LogAttrs(context.Background(), slog.LevelDebug,
					"ACK route flow failed", slog.Any("request", req), slog.Any("error", err))
				return
			}
		}
		target := req.RURI
		if len(route.Targets) > 0 && len(route.Targets[0]) > 0 {
			target = route.Targets[0][0]
		}
		fwd, err := c.forwardRequest(req, target, &opts)
		if err != nil {
			return
		}
		if err := c.svc.cfg.Sender.SendRequest(context.Background(), fwd); err != nil {
			c.log.LogAttrs(context.Background(), slog.LevelDebug,
				"ACK forward failed", slog.Any("request", fwd), slog.Any("error", err))
		}
	default:
		// ACK absorbed
	}
}
