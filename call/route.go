package call

import (
	"context"
	"errors"
	"log/slog"

	"github.com/voclab/sipcall/auth"
	"github.com/voclab/sipcall/sip"
	"github.com/voclab/sipcall/stats"
)

// routeRequest runs the UAS pipeline for a fresh server transaction:
// authorize, route, dispatch.
func (c *Call) routeRequest(tx *Transaction) {
	req := tx.Request
	cb := c.svc.cfg.callbacks()

	data := c.collectAuthData(req)
	switch verdict := cb.Authorize(data, req); verdict.Kind {
	case AuthOK:
		if req.ToTag() != "" {
			if d := c.dialogForUAS(req); d != nil {
				d.addAuthorizedOrigin(req.Source())
			}
		}
	case AuthForbidden:
		c.uasReply(tx, sip.StatusForbidden, nil) //nolint:errcheck
		return
	case AuthAuthenticate:
		c.uasChallenge(tx, sip.StatusUnauthorized, "WWW-Authenticate", verdict.Realm)
		return
	case AuthProxyAuthenticate:
		c.uasChallenge(tx, sip.StatusProxyAuthRequired, "Proxy-Authenticate", verdict.Realm)
		return
	}

	route := cb.Route(req.RURI.Scheme(), req.RURI.User, req.RURI.Host, req)
	c.dispatchRoute(tx, route)
}

func (c *Call) uasChallenge(tx *Transaction, status sip.StatusCode, header, realm string) {
	if realm == "" {
		realm = c.svc.cfg.Name
	}
	challenge := auth.Challenge(c.svc.nonces, c.svc.cfg.Name, realm, tx.Request)
	opts := &ReplyOptions{Headers: sip.Values{}.Set(header, challenge)}
	c.uasReply(tx, status, opts) //nolint:errcheck
}

// collectAuthData pre-parses and verifies the digest credentials of the
// request for the authorize callback.
func (c *Call) collectAuthData(req *sip.Request) AuthData {
	var data AuthData
	cb := c.svc.cfg.callbacks()

	values := append(append([]string(nil),
		req.Headers.Get("authorization")...),
		req.Headers.Get("proxy-authorization")...)
	for _, v := range values {
		da := sip.ParseDigestAuth(v)
		if da == nil {
			continue
		}
		verdict := DigestVerdict{Realm: da.Realm, User: da.Username}
		pass := cb.GetUserPass(da.Username, da.Realm, req)
		result, err := auth.Verify(
			c.svc.nonces, c.svc.cfg.Name, da,
			req.Method, req.CallID, req.Source().Addr.Addr(), pass,
		)
		switch {
		case err == nil && result == auth.VerdictOK:
			verdict.OK = true
		case err == nil && result == auth.VerdictInvalid:
			verdict.Invalid = true
		default:
			stats.AuthFailures.Inc()
		}
		data.Digest = append(data.Digest, verdict)
	}

	if req.ToTag() != "" {
		if d := c.dialogForUAS(req); d != nil {
			data.DialogAuthorized = d.isAuthorizedOrigin(req.Source())
		}
	}
	return data
}

// dispatchRoute acts on the route callback verdict.
func (c *Call) dispatchRoute(tx *Transaction, route RouteReplyTo) {
	req := tx.Request
	switch route.Kind {
	case RouteReply:
		if route.Status < 100 {
			c.invalidServiceResponse(tx)
			return
		}
		c.uasReply(tx, route.Status, &ReplyOptions{Reason: route.Reason}) //nolint:errcheck

	case RouteReplyStateless:
		if route.Status < 100 {
			c.invalidServiceResponse(tx)
			return
		}
		c.removeTrans(tx)
		c.statelessReply(req, route.Status, route.Reason)

	case RouteProcess:
		c.processRequest(tx)

	case RouteProcessStateless:
		if req.Method.Equal(sip.MethodInvite) {
			c.invalidServiceResponse(tx)
			return
		}
		tx.stateless = true
		c.processRequest(tx)

	case RouteProxy, RouteProxyStateless:
		opts := route.Opts
		if ob := c.svc.cfg.Outbound; ob != nil {
			if err := ob.ProxyRoute(req, &opts); err != nil {
				c.proxyRouteError(tx, err)
				return
			}
		}
		targets := route.Targets
		if len(targets) == 0 {
			targets = [][]*sip.URI{{req.RURI}}
		}
		if route.Kind == RouteProxyStateless {
			c.proxyStateless(tx, targets, &opts)
			return
		}
		c.forkRequest(tx, targets, &opts)

	case RouteStrictProxy:
		if len(req.Routes) == 0 {
			c.invalidServiceResponse(tx)
			return
		}
		top := req.Routes[0]
		req.Routes = req.Routes[1:]
		c.proxyStateless(tx, [][]*sip.URI{{top.URI}}, &route.Opts)

	default:
		c.invalidServiceResponse(tx)
	}
}

func (c *Call) invalidServiceResponse(tx *Transaction) {
	c.uasReply(tx, sip.StatusServerInternalError, //nolint:errcheck
		&ReplyOptions{Reason: "Invalid Service Response"})
}

// proxyRouteError maps outbound plugin failures to their statuses:
// a dead flow is 430, an undecodable token 403.
func (c *Call) proxyRouteError(tx *Transaction, err error) {
	switch {
	case errors.Is(err, sip.ErrFlowFailed):
		stats.FlowFailures.Inc()
		c.uasReply(tx, sip.StatusFlowFailed, nil) //nolint:errcheck
	case errors.Is(err, sip.ErrInvalidFlowToken):
		c.uasReply(tx, sip.StatusForbidden, nil) //nolint:errcheck
	default:
		c.log.LogAttrs(context.Background(), slog.LevelWarn,
			"proxy route failed", slog.Any("transaction", tx), slog.Any("error", err))
		c.uasReply(tx, sip.StatusServerInternalError, nil) //nolint:errcheck
	}
}

// processRequest routes the request to the dialog, registrar or the
// host handler.
func (c *Call) processRequest(tx *Transaction) {
	req := tx.Request

	if req.Method.Equal(sip.MethodRegister) {
		if reg := c.svc.cfg.Registrar; reg != nil {
			status, opts := reg.ProcessRegister(req)
			c.uasReply(tx, status, opts) //nolint:errcheck
			return
		}
		c.uasReply(tx, sip.StatusMethodNotAllowed, nil) //nolint:errcheck
		return
	}

	// in-dialog requests go through the dialog manager first
	if req.ToTag() != "" {
		if done := c.dialogUASRequest(tx); done {
			return
		}
	}

	if h := c.svc.cfg.Handler; h != nil {
		tsxID := tx.ID
		h(req, func(status sip.StatusCode, opts *ReplyOptions) {
			// the reply may arrive from any goroutine, including the
			// actor's own; route it back through the mailbox without
			// waiting so a synchronous reply cannot deadlock
			done := make(chan error, 1)
			c.svc.sendWork(c.callID, workSendReply{tsxID: tsxID, status: status, opts: opts, done: done}) //nolint:errcheck
		})
		return
	}

	// engine defaults
	switch {
	case req.Method.Equal(sip.MethodInvite):
		c.uasReply(tx, sip.StatusDecline, nil) //nolint:errcheck
	case req.Method.Equal(sip.MethodBye):
		c.uasReply(tx, sip.StatusCallTransactionDoesNotExist, nil) //nolint:errcheck
	default:
		c.uasReply(tx, sip.StatusOK, nil) //nolint:errcheck
	}
}
