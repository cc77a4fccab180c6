package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/gaissmai/bart"

	"github.com/dantte-lp/golispd/internal/lisp"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// -------------------------------------------------------------------------
// Map-Server / Map-Resolver role — RFC 6833
// -------------------------------------------------------------------------

// Map-Server errors.
var (
	// ErrDuplicateSite indicates a site is already configured for the
	// exact EID-prefix.
	ErrDuplicateSite = errors.New("duplicate site prefix")

	// ErrSiteNotPrefix indicates a site EID without a prefix leaf.
	ErrSiteNotPrefix = errors.New("site eid is not a prefix")
)

// Registration lifetimes.
const (
	// registrationTTL is how long a registration stays valid without
	// refresh: three register periods.
	registrationTTL = 3 * DefaultRegisterInterval

	// unknownEIDTTL is the negative-reply TTL for EIDs outside every
	// configured site.
	unknownEIDTTL = 15 * time.Minute

	// unregisteredTTL is the negative-reply TTL for EIDs inside a site
	// with no current registration; short, the ETR may register any
	// moment.
	unregisteredTTL = time.Minute
)

// Site is one configured EID-prefix a Map-Server serves.
type Site struct {
	// EID is the site's EID-prefix (instance-wrapped when scoped).
	EID lisp.Addr

	// IID is the instance identifier.
	IID uint32

	// KeyType and Key authenticate the site's registrations.
	KeyType lisp.KeyType

	// Key is the pre-shared ASCII secret.
	Key string

	// AcceptMoreSpecifics allows registrations for prefixes inside the
	// site prefix.
	AcceptMoreSpecifics bool

	// ProxyReply answers Map-Requests from the registered mapping
	// instead of forwarding to the ETR.
	ProxyReply bool

	// MergeRegistrations unions locator sets registered by multiple
	// ETRs for the same EID-prefix.
	MergeRegistrations bool

	// registered maps exact EID-prefixes to their live registrations.
	registered *bart.Table[*registration]
}

// registration is one live ETR registration under a site.
type registration struct {
	mapping    *lisp.Mapping
	etr        netip.AddrPort
	proxyReply bool
	expire     *timerwheel.Timer
}

// MSMR is the combined Map-Server / Map-Resolver role. A resolver-only
// deployment simply configures no sites: every request resolves
// negatively or is forwarded upstream by the deployment around it.
type MSMR struct {
	baseDevice

	sites map[uint32]*bart.Table[*Site]

	// rtrs is the RTR set advertised in Info-Replies for NAT traversal.
	rtrs []lisp.Addr
}

// NewMSMR composes the Map-Server / Map-Resolver role.
func NewMSMR(
	logger *slog.Logger,
	wheel *timerwheel.Wheel,
	metrics *lispmetrics.Collector,
	sender Sender,
) *MSMR {
	return &MSMR{
		baseDevice: baseDevice{
			logger:  logger.With(slog.String("component", "ms")),
			wheel:   wheel,
			metrics: metrics,
			sender:  sender,
			nonces:  lisp.NewNonceTable(),
		},
		sites: make(map[uint32]*bart.Table[*Site]),
	}
}

// AddRTR advertises an RTR in Info-Replies.
func (s *MSMR) AddRTR(addr lisp.Addr) {
	for _, have := range s.rtrs {
		if have.Equal(addr) {
			return
		}
	}
	s.rtrs = append(s.rtrs, addr)
}

// AddSite installs a site prefix.
func (s *MSMR) AddSite(site *Site) error {
	pfx, ok := site.EID.LeafPrefix()
	if !ok {
		return fmt.Errorf("add site %s: %w", site.EID, ErrSiteNotPrefix)
	}
	t := s.siteTable(site.IID)
	if _, dup := t.Get(pfx); dup {
		return fmt.Errorf("add site %s: %w", site.EID, ErrDuplicateSite)
	}
	site.registered = &bart.Table[*registration]{}
	t.Insert(pfx, site)
	s.logger.Info("site configured",
		slog.String("eid", site.EID.String()),
		slog.Bool("proxy_reply", site.ProxyReply),
		slog.Bool("accept_more_specifics", site.AcceptMoreSpecifics),
	)
	return nil
}

// siteTable returns the per-instance site index.
func (s *MSMR) siteTable(iid uint32) *bart.Table[*Site] {
	t, ok := s.sites[iid]
	if !ok {
		t = &bart.Table[*Site]{}
		s.sites[iid] = t
	}
	return t
}

// findSite locates the site covering an EID-prefix: the longest matching
// site prefix, accepted when exact or when the site takes more-specifics.
func (s *MSMR) findSite(iid uint32, pfx netip.Prefix) (*Site, bool) {
	t, ok := s.sites[iid]
	if !ok {
		return nil, false
	}
	sitePfx, site, ok := t.LookupPrefixLPM(pfx)
	if !ok {
		return nil, false
	}
	if sitePfx == pfx || site.AcceptMoreSpecifics {
		return site, true
	}
	return nil, false
}

// -------------------------------------------------------------------------
// Map-Register handling (server side)
// -------------------------------------------------------------------------

// HandleMapRegister validates and stores a registration, acknowledging
// with a Map-Notify when the M bit asks for one.
func (s *MSMR) HandleMapRegister(reg *lisp.MapRegister, raw []byte, src netip.AddrPort) {
	if len(reg.Records) == 0 {
		s.drop("map-register", src)
		return
	}

	// All records of one register authenticate under one site key; find
	// it from the first record, then verify before touching state.
	firstPfx, ok := reg.Records[0].EID.LeafPrefix()
	if !ok {
		s.drop("map-register", src)
		return
	}
	site, found := s.findSite(reg.Records[0].EID.InstanceID(), firstPfx)
	if !found {
		s.logger.Warn("map-register for unknown site",
			slog.String("eid", reg.Records[0].EID.String()),
			slog.String("src", src.String()),
		)
		return
	}
	if err := lisp.VerifyAuthData(raw, lisp.RegisterAuthOffset, site.KeyType, site.Key); err != nil {
		s.logger.Warn("map-register authentication failure",
			slog.String("src", src.String()),
		)
		if s.metrics != nil {
			s.metrics.AuthFailures.WithLabelValues(src.Addr().String()).Inc()
		}
		return
	}

	for _, rec := range reg.Records {
		s.storeRegistration(site, rec, reg, src)
	}

	if reg.WantNotify {
		s.sendNotify(site, reg, src)
	}
}

// storeRegistration installs or refreshes one record's registration.
func (s *MSMR) storeRegistration(site *Site, rec *lisp.Record, reg *lisp.MapRegister, src netip.AddrPort) {
	pfx, ok := rec.EID.LeafPrefix()
	if !ok {
		return
	}
	sitePfx, _ := site.EID.LeafPrefix()
	if pfx != sitePfx && !site.AcceptMoreSpecifics {
		s.logger.Warn("registration outside site prefix refused",
			slog.String("eid", rec.EID.String()),
			slog.String("site", site.EID.String()),
		)
		return
	}

	m := rec.ToMapping()
	r, exists := site.registered.Get(pfx)
	switch {
	case exists && site.MergeRegistrations:
		// Union the locator sets registered by different ETRs.
		for _, l := range m.Locators.All() {
			if r.mapping.Locators.Find(l.Addr) == nil {
				_ = r.mapping.Locators.Insert(l)
			}
		}
		r.mapping.Touch(time.Now())
	case exists:
		r.mapping = m
		r.etr = src
		r.proxyReply = reg.ProxyReply
	default:
		r = &registration{mapping: m, etr: src, proxyReply: reg.ProxyReply}
		r.expire = s.wheel.NewTimer(func() {
			site.registered.Delete(pfx)
			s.logger.Info("registration expired", slog.String("eid", pfx.String()))
		})
		site.registered.Insert(pfx, r)
	}
	r.expire.Start(registrationTTL)

	s.logger.Debug("registration stored",
		slog.String("eid", rec.EID.String()),
		slog.String("etr", src.String()),
		slog.Int("locators", len(rec.Locators)),
	)
}

// sendNotify acknowledges a register, echoing its nonce and records under
// the site key.
func (s *MSMR) sendNotify(site *Site, reg *lisp.MapRegister, src netip.AddrPort) {
	not := &lisp.MapNotify{
		Nonce:   reg.Nonce,
		KeyID:   site.KeyType,
		Records: reg.Records,
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapNotify(not, buf, site.Key)
	if err != nil {
		s.logger.Error("marshal map-notify", slog.String("error", err.Error()))
		return
	}
	s.send(lisp.MsgMapNotify, src, buf[:n])
}

// -------------------------------------------------------------------------
// Map-Request handling (server side)
// -------------------------------------------------------------------------

// HandleMapRequest answers or forwards a request reaching the MS/MR.
func (s *MSMR) HandleMapRequest(req *lisp.MapRequest, src netip.AddrPort) {
	for _, eid := range req.EIDs {
		s.serveEID(eid, req, src)
	}
}

// serveEID resolves one requested EID.
func (s *MSMR) serveEID(eid lisp.Addr, req *lisp.MapRequest, src netip.AddrPort) {
	ip, ok := eid.LeafIP()
	if !ok {
		s.drop("map-request", src)
		return
	}
	iid := eid.InstanceID()

	t, haveTable := s.sites[iid]
	var site *Site
	if haveTable {
		site, _ = t.Lookup(ip)
	}
	if site == nil {
		s.sendNegativeReply(eid, req, src, unknownEIDTTL)
		return
	}

	r, registered := site.registered.Lookup(ip)
	if !registered {
		s.sendNegativeReply(eid, req, src, unregisteredTTL)
		return
	}

	if site.ProxyReply || r.proxyReply {
		s.sendProxyReply(r.mapping, req, src)
		return
	}
	s.forwardToETR(r, req, src)
}

// sendNegativeReply answers an unresolvable EID with a Negative Map-Reply
// (no locators, action NativelyForward).
func (s *MSMR) sendNegativeReply(eid lisp.Addr, req *lisp.MapRequest, src netip.AddrPort, ttl time.Duration) {
	rep := &lisp.MapReply{
		Nonce: req.Nonce,
		Records: []*lisp.Record{{
			TTL:    ttl,
			Action: lisp.ActNativelyForward,
			EID:    eid,
		}},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapReply(rep, buf)
	if err != nil {
		s.logger.Error("marshal negative map-reply", slog.String("error", err.Error()))
		return
	}
	s.send(lisp.MsgMapReply, replyDestination(req, src), buf[:n])
	if s.metrics != nil {
		s.metrics.NegativeRepliesSent.Inc()
	}
	s.logger.Debug("negative map-reply sent",
		slog.String("eid", eid.String()),
		slog.String("dst", src.String()),
	)
}

// sendProxyReply answers on the site's behalf from the registered mapping.
func (s *MSMR) sendProxyReply(m *lisp.Mapping, req *lisp.MapRequest, src netip.AddrPort) {
	rec := lisp.RecordFromMapping(m)
	rec.Authoritative = false // proxy replies are never authoritative
	rep := &lisp.MapReply{
		Probe:   req.Probe,
		Nonce:   req.Nonce,
		Records: []*lisp.Record{rec},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapReply(rep, buf)
	if err != nil {
		s.logger.Error("marshal proxy map-reply", slog.String("error", err.Error()))
		return
	}
	s.send(lisp.MsgMapReply, replyDestination(req, src), buf[:n])
}

// forwardToETR re-encapsulates the request towards the registered ETR,
// which answers the ITR directly.
func (s *MSMR) forwardToETR(r *registration, req *lisp.MapRequest, src netip.AddrPort) {
	inner := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRequest(req, inner)
	if err != nil {
		s.logger.Error("marshal forwarded map-request", slog.String("error", err.Error()))
		return
	}
	ecm := make([]byte, lisp.MaxMessageSize)
	en, err := lisp.MarshalECM(inner[:n],
		netip.AddrPortFrom(src.Addr(), src.Port()),
		netip.AddrPortFrom(r.etr.Addr(), lisp.ControlPort),
		ecm,
	)
	if err != nil {
		s.logger.Error("marshal forwarding ecm", slog.String("error", err.Error()))
		return
	}
	s.send(lisp.MsgEncapControl, netip.AddrPortFrom(r.etr.Addr(), lisp.ControlPort), ecm[:en])
}

// -------------------------------------------------------------------------
// Info-Request handling (NAT traversal)
// -------------------------------------------------------------------------

// HandleInfoRequest reports the requester's translated endpoint and the
// RTR set.
func (s *MSMR) HandleInfoRequest(info *lisp.InfoMsg, raw []byte, src netip.AddrPort) {
	if pfx, ok := info.EID.LeafPrefix(); ok {
		if site, found := s.findSite(info.EID.InstanceID(), pfx); found {
			if err := lisp.VerifyAuthData(raw, lisp.RegisterAuthOffset, site.KeyType, site.Key); err != nil {
				if s.metrics != nil {
					s.metrics.AuthFailures.WithLabelValues(src.Addr().String()).Inc()
				}
				return
			}
		}
	}

	reply := &lisp.InfoMsg{
		Reply: true,
		Nonce: info.Nonce,
		KeyID: lisp.KeyTypeNone,
		TTL:   info.TTL,
		EID:   info.EID,
		NAT: &lisp.NATTraversalLCAF{
			MSUDPPort:  lisp.ControlPort,
			ETRUDPPort: src.Port(),
			GlobalETR:  lisp.AddrFromIP(src.Addr()),
			MSRLOC:     lisp.NoAddr(),
			PrivateETR: lisp.NoAddr(),
			RTRs:       s.rtrs,
		},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalInfo(reply, buf, "")
	if err != nil {
		s.logger.Error("marshal info-reply", slog.String("error", err.Error()))
		return
	}
	s.send(lisp.MsgInfo, src, buf[:n])
}

// SiteCount returns the number of configured sites (management API).
func (s *MSMR) SiteCount() int {
	n := 0
	for _, t := range s.sites {
		n += t.Size()
	}
	return n
}

// Sites walks every configured site.
func (s *MSMR) Sites(fn func(*Site)) {
	for _, t := range s.sites {
		for _, site := range t.All() {
			fn(site)
		}
	}
}

// Registrations walks a site's live registrations.
func (site *Site) Registrations(fn func(netip.Prefix, *lisp.Mapping, netip.AddrPort)) {
	for pfx, r := range site.registered.All() {
		fn(pfx, r.mapping, r.etr)
	}
}
