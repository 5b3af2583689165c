// Package registrar implements the contact binding store: REGISTER
// processing with RFC 5626 outbound indexing, path replay through
// proxies, and AOR lookup for routing.
package registrar

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/voclab/sipcall/call"
	"github.com/voclab/sipcall/internal/util"
	"github.com/voclab/sipcall/outbound"
	"github.com/voclab/sipcall/sip"
	"github.com/voclab/sipcall/stats"
)

// DefaultExpires is used when neither the Contact nor the request
// carries an expiry.
const DefaultExpires = 3600

// BindingKey indexes one binding of an AOR: the outbound triple when
// RFC 5626 applies, the contact address tuple otherwise.
type BindingKey struct {
	// Outbound selects the (instance, reg-id) form.
	Outbound     bool
	InstanceHash string
	RegID        int

	Scheme    string
	Transport string
	User      string
	Host      string
	Port      uint16
}

// Binding is one registered contact of an AOR.
type Binding struct {
	Key BindingKey
	// Contact is the registered contact.
	Contact *sip.NameAddr
	// Path is the route set replayed through proxies back to the UA,
	// stored in the order it must be traversed.
	Path []*sip.NameAddr
	// Transp is a snapshot of the receiving connection.
	Transp *sip.Transp
	// Expires is the expiry instant.
	Expires time.Time
	CallID  string
	CSeq    uint32
}

// LogValue implements [slog.LogValuer].
func (b *Binding) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("contact", b.Contact),
		slog.Time("expires", b.Expires),
	)
}

// Options configure the registrar.
type Options struct {
	// Service is the owning service name.
	Service string
	// Flows resolves flow tokens; nil disables the direct-client path.
	Flows sip.FlowRegistry
	// Log is the registrar logger.
	Log *slog.Logger
}

// Registrar is the binding store. It implements [call.RegistrarPlugin].
// All writes happen under one lock; the store is shared across call
// actors.
type Registrar struct {
	service string
	flows   sip.FlowRegistry
	log     *slog.Logger

	mu sync.Mutex
	// bindings per AOR, most recently refreshed first
	bindings map[string][]*Binding
}

// New creates an empty registrar.
func New(opts Options) *Registrar {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{
		service:  opts.Service,
		flows:    opts.Flows,
		log:      log,
		bindings: make(map[string][]*Binding),
	}
}

func aorKey(u *sip.URI) string {
	return u.Scheme() + ":" + util.LCase(u.User) + "@" + util.LCase(u.Host)
}

// ProcessRegister handles a REGISTER routed to the local service.
func (r *Registrar) ProcessRegister(req *sip.Request) (sip.StatusCode, *call.ReplyOptions) {
	aor := aorKey(req.To.URI)

	regIDs := contactsWithRegID(req)
	if len(regIDs) > 1 {
		return sip.StatusBadRequest, &call.ReplyOptions{Reason: "Several 'reg-id' Options"}
	}

	outboundWanted := req.HasSupported("outbound") && len(regIDs) == 1

	// resolve the path set and whether outbound applies
	var (
		paths     []*sip.NameAddr
		flowOb    bool
		pathSynth bool
	)
	switch {
	case len(req.Vias) == 1 && req.Transp != nil:
		// the UA is a direct client: synthesise the Path from the
		// receiving connection
		u := &sip.URI{
			User:   outbound.EncodeFlowToken(req.Transp),
			Host:   req.Transp.Local.Addr().String(),
			Port:   req.Transp.Local.Port(),
			Params: sip.Values{}.Set("lr", ""),
		}
		u.SetParam("ob", "")
		paths = []*sip.NameAddr{{URI: u}}
		flowOb = true
		pathSynth = true
	case len(req.Paths) > 0:
		paths = req.Paths
		for _, p := range paths {
			if p.URI == nil {
				return sip.StatusBadRequest, &call.ReplyOptions{Reason: "Malformed Path"}
			}
		}
		// the last Path element is the first hop towards the UA
		last := paths[len(paths)-1]
		_, flowOb = last.URI.Param("ob")
	}

	if outboundWanted && !flowOb {
		return sip.StatusFirstHopLacksOutbound, nil
	}
	outboundApplies := outboundWanted && flowOb

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(aor)

	for _, contact := range req.Contacts {
		expires := contactExpires(contact, req)
		key, err := bindingKey(req, contact, outboundApplies)
		if err != nil {
			return sip.StatusBadRequest, &call.ReplyOptions{Reason: "Invalid Contact"}
		}

		if expires == 0 {
			r.removeLocked(aor, key)
			continue
		}

		b := &Binding{
			Key:     key,
			Contact: contact.Clone(),
			Path:    paths,
			Transp:  req.Transp,
			Expires: time.Now().Add(time.Duration(expires) * time.Second),
			CallID:  req.CallID,
			CSeq:    req.CSeq.Num,
		}
		// a refresh replaces the prior binding and reorders it to the front
		r.removeLocked(aor, key)
		r.bindings[aor] = append([]*Binding{b}, r.bindings[aor]...)
		stats.Bindings.Inc()
	}

	opts := &call.ReplyOptions{
		Contacts: r.contactsLocked(aor),
	}
	if pathSynth || len(paths) > 0 {
		opts.Paths = paths
	}
	if outboundApplies {
		opts.Require = []string{"outbound"}
	}
	return sip.StatusOK, opts
}

// Find returns the merged contact list for the AOR, each contact
// carrying its path list as a URI-encoded "route" header parameter.
func (r *Registrar) Find(aor *sip.URI) []*sip.NameAddr {
	key := aorKey(aor)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(key)

	var out []*sip.NameAddr
	for _, b := range r.bindings[key] {
		contact := b.Contact.Clone()
		if len(b.Path) > 0 && contact.URI != nil {
			if contact.URI.Headers == nil {
				contact.URI.Headers = make(sip.Values)
			}
			// the path is traversed from the last element towards the UA
			for i := len(b.Path) - 1; i >= 0; i-- {
				contact.URI.Headers.Append("route", url.QueryEscape(b.Path[i].URI.String()))
			}
		}
		out = append(out, contact)
	}
	return out
}

// Bindings returns the live bindings of the AOR, most recently
// refreshed first.
func (r *Registrar) Bindings(aor *sip.URI) []*Binding {
	key := aorKey(aor)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(key)
	return append([]*Binding(nil), r.bindings[key]...)
}

// Clear drops every binding. Test helper.
func (r *Registrar) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aor, bs := range r.bindings {
		stats.Bindings.Sub(float64(len(bs)))
		delete(r.bindings, aor)
	}
}

func (r *Registrar) pruneLocked(aor string) {
	now := time.Now()
	bs := r.bindings[aor]
	kept := bs[:0]
	for _, b := range bs {
		if b.Expires.After(now) {
			kept = append(kept, b)
		} else {
			stats.Bindings.Dec()
		}
	}
	if len(kept) == 0 {
		delete(r.bindings, aor)
		return
	}
	r.bindings[aor] = kept
}

func (r *Registrar) removeLocked(aor string, key BindingKey) {
	bs := r.bindings[aor]
	for i, b := range bs {
		if b.Key == key {
			r.bindings[aor] = append(bs[:i:i], bs[i+1:]...)
			stats.Bindings.Dec()
			return
		}
	}
}

func (r *Registrar) contactsLocked(aor string) []*sip.NameAddr {
	var out []*sip.NameAddr
	now := time.Now()
	for _, b := range r.bindings[aor] {
		contact := b.Contact.Clone()
		left := int(time.Until(b.Expires).Seconds())
		if b.Expires.Before(now) {
			left = 0
		}
		contact.SetParam("expires", strconv.Itoa(left))
		out = append(out, contact)
	}
	return out
}

// contactsWithRegID returns the reg-id values of contacts registered
// with a non-zero expiry.
func contactsWithRegID(req *sip.Request) []int {
	var out []int
	for _, contact := range req.Contacts {
		v, ok := contact.Param("reg-id")
		if !ok {
			continue
		}
		if contactExpires(contact, req) == 0 {
			continue
		}
		id, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func contactExpires(contact *sip.NameAddr, req *sip.Request) int {
	if v, ok := contact.Param("expires"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if req.Expires >= 0 {
		return req.Expires
	}
	return DefaultExpires
}

func bindingKey(req *sip.Request, contact *sip.NameAddr, outboundApplies bool) (BindingKey, error) {
	if contact.URI == nil {
		return BindingKey{}, fmt.Errorf("contact without uri")
	}
	if outboundApplies {
		if v, ok := contact.Param("reg-id"); ok {
			regID, err := strconv.Atoi(v)
			if err != nil {
				return BindingKey{}, fmt.Errorf("invalid reg-id %q", v)
			}
			instance, _ := contact.Param("+sip.instance")
			return BindingKey{
				Outbound:     true,
				InstanceHash: sip.MD5Hex(instance),
				RegID:        regID,
			}, nil
		}
	}
	u := contact.URI
	return BindingKey{
		Scheme:    u.Scheme(),
		Transport: util.LCase(u.Transport()),
		User:      util.LCase(u.User),
		Host:      util.LCase(u.Host),
		Port:      u.Port,
	}, nil
}
