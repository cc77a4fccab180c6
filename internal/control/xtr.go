package control

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/golispd/internal/fwd"
	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/localdb"
	"github.com/dantte-lp/golispd/internal/mapcache"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// -------------------------------------------------------------------------
// xTR — ingress/egress tunnel router role
// -------------------------------------------------------------------------

// Registration defaults (RFC 6833 Section 4.2 and lispd practice).
const (
	// DefaultRegisterInterval is the periodic Map-Register cadence.
	DefaultRegisterInterval = 60 * time.Second

	// DefaultRegisterRetries bounds retransmissions while waiting for a
	// Map-Notify.
	DefaultRegisterRetries = 3

	// DefaultRetryInterval is the retransmission spacing for registers
	// and requests.
	DefaultRetryInterval = 3 * time.Second

	// DefaultRequestRetries bounds Map-Request retransmissions.
	DefaultRequestRetries = 3

	// initialRegisterDelay is the delay before the first register after
	// start, keeping registration prompt without racing socket setup.
	initialRegisterDelay = time.Second

	// smrSuppressWindow gates repeated SMRs to the same peer for the
	// same EID.
	smrSuppressWindow = time.Second

	// missNegativeTTL is the negative-cache TTL installed when a
	// resolution times out and proxy-ETRs provide an egress.
	missNegativeTTL = time.Minute
)

// MapServer is one configured Map-Server with its pre-shared key.
type MapServer struct {
	// Addr is the Map-Server RLOC.
	Addr netip.Addr

	// KeyType selects the HMAC algorithm.
	KeyType lisp.KeyType

	// Key is the pre-shared ASCII secret.
	Key string

	// ProxyReply asks the Map-Server to answer Map-Requests for the site.
	ProxyReply bool
}

// ProbingConfig are the RLOC-probing parameters. A zero Interval
// disables probing.
type ProbingConfig struct {
	Interval      time.Duration
	Retries       int
	RetryInterval time.Duration
}

// XTRConfig carries the xTR role parameters out of the configuration.
type XTRConfig struct {
	InstanceID       uint32
	RegisterInterval time.Duration
	RegisterRetries  int
	RetryInterval    time.Duration
	RequestRetries   int
	Probing          ProbingConfig

	// MobileNode marks the MN role: same machinery, single host EID.
	MobileNode bool

	// NATTraversal enables the Info-Request exchange on start.
	NATTraversal bool
}

// withDefaults fills zero fields.
func (c XTRConfig) withDefaults() XTRConfig {
	if c.RegisterInterval <= 0 {
		c.RegisterInterval = DefaultRegisterInterval
	}
	if c.RegisterRetries <= 0 {
		c.RegisterRetries = DefaultRegisterRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.RequestRetries <= 0 {
		c.RequestRetries = DefaultRequestRetries
	}
	if c.Probing.Interval > 0 {
		if c.Probing.Retries <= 0 {
			c.Probing.Retries = DefaultRequestRetries
		}
		if c.Probing.RetryInterval <= 0 {
			c.Probing.RetryInterval = DefaultRetryInterval
		}
	}
	return c
}

// regState tracks one Map-Server's outstanding registration.
type regState struct {
	ms          MapServer
	nonce       uint64
	retriesLeft int
	records     []*lisp.Record
	retry       *timerwheel.Timer
}

// XTR is the ingress/egress tunnel router role: it registers the local
// database with the configured Map-Servers, resolves remote EIDs through
// the resolver set, answers requests for its own EIDs, solicits cache
// refreshes after local changes, and probes cached locators.
type XTR struct {
	baseDevice

	cfg    XTRConfig
	db     *localdb.DB
	cache  *mapcache.Cache
	engine *fwd.Engine

	mapServers []MapServer
	resolvers  []netip.AddrPort
	rrNext     int

	petrs *lisp.LocatorSet
	rtrs  []netip.AddrPort

	regStates     map[netip.Addr]*regState
	registerTimer *timerwheel.Timer

	// smrSuppress holds one running timer per (eid, peer) pair; the SMR
	// is suppressed while the timer runs.
	smrSuppress map[string]*timerwheel.Timer
}

// NewXTR composes the xTR role.
func NewXTR(
	logger *slog.Logger,
	wheel *timerwheel.Wheel,
	metrics *lispmetrics.Collector,
	sender Sender,
	db *localdb.DB,
	cache *mapcache.Cache,
	engine *fwd.Engine,
	cfg XTRConfig,
) *XTR {
	x := &XTR{
		baseDevice: baseDevice{
			logger:  logger.With(slog.String("component", "xtr")),
			wheel:   wheel,
			metrics: metrics,
			sender:  sender,
			nonces:  lisp.NewNonceTable(),
		},
		cfg:         cfg.withDefaults(),
		db:          db,
		cache:       cache,
		engine:      engine,
		regStates:   make(map[netip.Addr]*regState),
		petrs:       lisp.NewLocatorSet(),
		smrSuppress: make(map[string]*timerwheel.Timer),
	}
	x.registerTimer = wheel.NewTimer(x.registerAll)
	cache.OnExpire = x.onCacheExpire
	return x
}

// AddMapServer appends a Map-Server, deduplicating on address.
func (x *XTR) AddMapServer(ms MapServer) {
	for _, have := range x.mapServers {
		if have.Addr == ms.Addr {
			return
		}
	}
	x.mapServers = append(x.mapServers, ms)
}

// AddResolver appends a Map-Resolver, deduplicating on endpoint.
func (x *XTR) AddResolver(mr netip.AddrPort) {
	for _, have := range x.resolvers {
		if have == mr {
			return
		}
	}
	x.resolvers = append(x.resolvers, mr)
}

// AddProxyETR appends a proxy-ETR locator.
func (x *XTR) AddProxyETR(l *lisp.Locator) {
	l.Kind = lisp.KindPetr
	_ = x.petrs.Insert(l)
}

// ProxyETRs returns the configured proxy-ETR set.
func (x *XTR) ProxyETRs() *lisp.LocatorSet { return x.petrs }

// Cache exposes the map-cache (management API).
func (x *XTR) Cache() *mapcache.Cache { return x.cache }

// DB exposes the local database (management API).
func (x *XTR) DB() *localdb.DB { return x.db }

// Start arms the registration machinery and, when configured, the NAT
// traversal exchange. The first register goes out within a second.
func (x *XTR) Start() {
	for _, m := range x.dbMappings() {
		x.engine.Recompute(m)
	}
	if len(x.mapServers) > 0 && x.db.Len() > 0 {
		x.registerTimer.Start(initialRegisterDelay)
	}
	if x.cfg.NATTraversal {
		x.sendInfoRequest()
	}
}

// Stop releases the role's timers.
func (x *XTR) Stop() {
	x.registerTimer.Stop()
	for _, rs := range x.regStates {
		if rs.retry != nil {
			rs.retry.Stop()
		}
	}
	for _, t := range x.smrSuppress {
		t.Stop()
	}
}

// dbMappings snapshots the local database.
func (x *XTR) dbMappings() []*lisp.Mapping {
	var out []*lisp.Mapping
	x.db.All(func(m *lisp.Mapping) { out = append(out, m) })
	return out
}

// localRLOCs collects the distinct IP leaves of the local locators, the
// ITR-RLOC list advertised in outbound requests.
func (x *XTR) localRLOCs() []lisp.Addr {
	var out []lisp.Addr
	seen := make(map[netip.Addr]struct{})
	x.db.All(func(m *lisp.Mapping) {
		for _, l := range m.Locators.All() {
			ip, ok := l.Addr.LeafIP()
			if !ok {
				continue
			}
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}
			out = append(out, lisp.AddrFromIP(ip))
		}
	})
	if len(out) == 0 {
		out = append(out, lisp.AddrFromIP(netip.IPv4Unspecified()))
	}
	return out
}

// -------------------------------------------------------------------------
// Map-Register machine (xTR -> MS)
// -------------------------------------------------------------------------

// registerAll emits a Map-Register to every Map-Server (and, under NAT
// traversal, every learned RTR) and rearms the periodic timer.
func (x *XTR) registerAll() {
	records := make([]*lisp.Record, 0, x.db.Len())
	for _, m := range x.dbMappings() {
		records = append(records, lisp.RecordFromMapping(m))
	}
	if len(records) > 0 {
		for _, ms := range x.mapServers {
			x.sendRegister(ms, records)
		}
		for _, rtr := range x.rtrs {
			if len(x.mapServers) > 0 {
				ms := x.mapServers[0]
				ms.Addr = rtr.Addr()
				x.sendRegister(ms, records)
			}
		}
	}
	x.registerTimer.Start(x.cfg.RegisterInterval)
}

// sendRegister transmits one authenticated Map-Register with the M bit
// set and arms its retransmission state.
func (x *XTR) sendRegister(ms MapServer, records []*lisp.Record) {
	rs, ok := x.regStates[ms.Addr]
	if !ok {
		rs = &regState{ms: ms}
		rs.retry = x.wheel.NewTimer(func() { x.retryRegister(rs) })
		x.regStates[ms.Addr] = rs
	} else if rs.nonce != 0 {
		// Previous register still pending; drop its nonce before reuse.
		x.nonces.Cancel(rs.nonce)
	}
	rs.records = records

	pr := x.nonces.Issue(
		netip.AddrPortFrom(ms.Addr, lisp.ControlPort),
		x.cfg.RegisterRetries,
		func(any) { rs.retry.Stop(); rs.nonce = 0 },
		func() {
			rs.nonce = 0
			x.logger.Warn("map-register not acknowledged",
				slog.String("map_server", rs.ms.Addr.String()),
			)
		},
	)
	rs.nonce = pr.Nonce
	rs.retriesLeft = x.cfg.RegisterRetries

	x.transmitRegister(rs)
	rs.retry.Start(x.cfg.RetryInterval)
}

// retryRegister retransmits until the retry budget runs out; the next
// periodic cycle retries after that.
func (x *XTR) retryRegister(rs *regState) {
	if rs.nonce == 0 {
		return
	}
	if rs.retriesLeft <= 0 {
		x.nonces.Expire(rs.nonce)
		return
	}
	rs.retriesLeft--
	x.transmitRegister(rs)
	rs.retry.Start(x.cfg.RetryInterval)
}

// transmitRegister serializes and sends the register with rs's nonce.
func (x *XTR) transmitRegister(rs *regState) {
	reg := &lisp.MapRegister{
		ProxyReply: rs.ms.ProxyReply,
		WantNotify: true,
		Nonce:      rs.nonce,
		KeyID:      rs.ms.KeyType,
		Records:    rs.records,
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRegister(reg, buf, rs.ms.Key)
	if err != nil {
		x.logger.Error("marshal map-register", slog.String("error", err.Error()))
		return
	}
	x.send(lisp.MsgMapRegister, netip.AddrPortFrom(rs.ms.Addr, lisp.ControlPort), buf[:n])
}

// HandleMapNotify completes the register exchange: the notify must carry
// a pending nonce and authenticate under that Map-Server's key.
func (x *XTR) HandleMapNotify(not *lisp.MapNotify, raw []byte, src netip.AddrPort) {
	var rs *regState
	for _, cand := range x.regStates {
		if cand.nonce == not.Nonce && cand.nonce != 0 {
			rs = cand
			break
		}
	}
	if rs == nil {
		x.drop("map-notify", src)
		return
	}
	if rs.ms.KeyType != lisp.KeyTypeNone {
		if err := lisp.VerifyAuthData(raw, lisp.RegisterAuthOffset, rs.ms.KeyType, rs.ms.Key); err != nil {
			x.authFailure(src)
			return
		}
	}
	_ = x.nonces.Resolve(not.Nonce, not)
	x.logger.Debug("map-notify accepted", slog.String("map_server", rs.ms.Addr.String()))
}

// authFailure records a dropped message with a bad HMAC.
func (x *XTR) authFailure(src netip.AddrPort) {
	x.logger.Warn("authentication failure", slog.String("src", src.String()))
	if x.metrics != nil {
		x.metrics.AuthFailures.WithLabelValues(src.Addr().String()).Inc()
	}
}

// -------------------------------------------------------------------------
// Map-Request / Map-Reply machine (resolver side)
// -------------------------------------------------------------------------

// Resolve looks up an EID, issuing a Map-Request on a miss. The returned
// entry is the active mapping or the inactive placeholder created for
// the outstanding request.
func (x *XTR) Resolve(iid uint32, ip netip.Addr) *mapcache.Entry {
	if e, ok := x.cache.Lookup(iid, ip); ok {
		return e
	}
	bits := 32
	if ip.Is6() && !ip.Is4In6() {
		bits = 128
	}
	eid := lisp.AddrFromPrefix(netip.PrefixFrom(ip, bits))
	return x.requestEID(eid, iid, false)
}

// requestEID creates the negative placeholder and sends the Map-Request.
func (x *XTR) requestEID(eid lisp.Addr, iid uint32, smrInvoked bool) *mapcache.Entry {
	if len(x.resolvers) == 0 {
		x.logger.Warn("no map-resolvers configured, cannot resolve",
			slog.String("eid", eid.String()))
		return nil
	}

	resolver := x.resolvers[x.rrNext%len(x.resolvers)]
	x.rrNext++

	var entry *mapcache.Entry
	pr := x.nonces.Issue(resolver, x.cfg.RequestRetries,
		func(reply any) { x.installReply(entry, reply) },
		func() { x.requestTimedOut(entry) },
	)

	entry, err := x.cache.AddNegativePlaceholder(eid, iid, pr.Nonce, x.cfg.RetryInterval*time.Duration(x.cfg.RequestRetries+2))
	if err != nil {
		x.logger.Error("map-cache placeholder", slog.String("error", err.Error()))
		x.nonces.Cancel(pr.Nonce)
		return nil
	}

	var retry *timerwheel.Timer
	retry = x.wheel.NewTimer(func() { x.retryRequest(pr.Nonce, eid, resolver, retry) })
	x.sendMapRequest(eid, pr.Nonce, resolver, smrInvoked)
	retry.Start(x.cfg.RetryInterval)
	return entry
}

// retryRequest retransmits an unanswered Map-Request with its original
// nonce until the budget runs out.
func (x *XTR) retryRequest(nonce uint64, eid lisp.Addr, resolver netip.AddrPort, retry *timerwheel.Timer) {
	pr := x.nonces.Lookup(nonce)
	if pr == nil {
		return
	}
	if pr.RetriesLeft <= 0 {
		x.nonces.Expire(nonce)
		return
	}
	pr.RetriesLeft--
	x.sendMapRequest(eid, nonce, resolver, false)
	retry.Start(x.cfg.RetryInterval)
}

// sendMapRequest emits one encapsulated Map-Request towards a resolver.
func (x *XTR) sendMapRequest(eid lisp.Addr, nonce uint64, resolver netip.AddrPort, smrInvoked bool) {
	req := &lisp.MapRequest{
		SMRInvoked: smrInvoked,
		Nonce:      nonce,
		SourceEID:  x.sourceEID(),
		ITRRLOCs:   x.localRLOCs(),
		EIDs:       []lisp.Addr{eid},
	}
	inner := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRequest(req, inner)
	if err != nil {
		x.logger.Error("marshal map-request", slog.String("error", err.Error()))
		return
	}

	// The resolver routes on the inner destination: the EID itself.
	dstIP, ok := eid.LeafIP()
	if !ok {
		return
	}
	srcIP := x.innerSource(dstIP)
	ecm := make([]byte, lisp.MaxMessageSize)
	en, err := lisp.MarshalECM(inner[:n],
		netip.AddrPortFrom(srcIP, lisp.ControlPort),
		netip.AddrPortFrom(dstIP, lisp.ControlPort),
		ecm,
	)
	if err != nil {
		x.logger.Error("marshal ecm", slog.String("error", err.Error()))
		return
	}
	x.send(lisp.MsgEncapControl, resolver, ecm[:en])
}

// sourceEID returns this site's first EID-prefix, advertised as the
// requesting EID.
func (x *XTR) sourceEID() lisp.Addr {
	for _, m := range x.dbMappings() {
		return m.EID
	}
	return lisp.NoAddr()
}

// innerSource picks a local RLOC of dst's family for the inner header.
func (x *XTR) innerSource(dst netip.Addr) netip.Addr {
	for _, a := range x.localRLOCs() {
		ip, ok := a.LeafIP()
		if !ok {
			continue
		}
		if ip.Is4() == dst.Is4() {
			return ip
		}
	}
	if dst.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// installReply applies a Map-Reply to the placeholder entry.
func (x *XTR) installReply(entry *mapcache.Entry, reply any) {
	rep, ok := reply.(*lisp.MapReply)
	if !ok || entry == nil {
		return
	}
	for _, rec := range rep.Records {
		if len(rec.Locators) == 0 {
			x.cache.MakeNegative(entry, rec.Action, rec.TTL)
			x.logger.Debug("negative mapping cached",
				slog.String("eid", entry.EID().String()),
				slog.String("action", rec.Action.String()),
			)
			continue
		}

		// A reply usually covers a broader prefix than the host-width
		// placeholder. The placeholder is replaced, not mutated: its
		// index key must match its EID.
		entryPfx, _ := entry.EID().LeafPrefix()
		recPfx, ok := rec.EID.LeafPrefix()
		if ok && recPfx != entryPfx {
			iid := entry.Mapping.IID
			_ = x.cache.Remove(iid, entryPfx)
			installed, err := x.cache.Add(rec.ToMapping(), true)
			if err != nil {
				x.logger.Error("install mapping", slog.String("error", err.Error()))
				continue
			}
			entry = installed
		} else {
			x.cache.Activate(entry, rec.ToMapping())
		}
		x.startProbing(entry)
		x.logger.Info("mapping resolved",
			slog.String("eid", entry.EID().String()),
			slog.Int("locators", len(rec.Locators)),
		)
	}
}

// requestTimedOut applies the miss policy after the final retry: with
// proxy-ETRs configured the EID is cached NativelyForward (traffic egresses
// through the PETRs); otherwise the placeholder is dropped.
func (x *XTR) requestTimedOut(entry *mapcache.Entry) {
	if entry == nil {
		return
	}
	x.logger.Warn("map-request timed out", slog.String("eid", entry.EID().String()))
	if x.petrs.Len() > 0 {
		x.cache.MakeNegative(entry, lisp.ActNativelyForward, missNegativeTTL)
		return
	}
	if pfx, ok := entry.EID().LeafPrefix(); ok {
		_ = x.cache.Remove(entry.Mapping.IID, pfx)
	}
}

// HandleMapReply resolves the nonce; the registered closure (resolution
// or probe) consumes the reply. Unknown nonces are dropped silently.
func (x *XTR) HandleMapReply(rep *lisp.MapReply, src netip.AddrPort) {
	if err := x.nonces.Resolve(rep.Nonce, rep); err != nil {
		x.logger.Debug("map-reply with unknown nonce",
			slog.String("src", src.String()),
			slog.String("error", err.Error()),
		)
	}
	if x.metrics != nil {
		x.metrics.PendingRequests.Set(float64(x.nonces.Len()))
	}
}

// -------------------------------------------------------------------------
// ETR side: answering requests for our own EIDs
// -------------------------------------------------------------------------

// HandleMapRequest serves requests reaching the ETR: RLOC-probes, SMRs,
// and requests forwarded by a non-proxy Map-Server.
func (x *XTR) HandleMapRequest(req *lisp.MapRequest, src netip.AddrPort) {
	if req.SMR {
		x.handleSMR(req, src)
		return
	}
	for _, eid := range req.EIDs {
		ip, ok := eid.LeafIP()
		if !ok {
			continue
		}
		m, found := x.db.Lookup(eid.InstanceID(), ip)
		if !found {
			x.drop("map-request", src)
			continue
		}
		x.replyWithMapping(m, req, src)
	}
}

// replyWithMapping sends a Map-Reply built from an authoritative mapping.
func (x *XTR) replyWithMapping(m *lisp.Mapping, req *lisp.MapRequest, src netip.AddrPort) {
	rep := &lisp.MapReply{
		Probe:   req.Probe,
		Nonce:   req.Nonce,
		Records: []*lisp.Record{lisp.RecordFromMapping(m)},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapReply(rep, buf)
	if err != nil {
		x.logger.Error("marshal map-reply", slog.String("error", err.Error()))
		return
	}
	dst := replyDestination(req, src)
	x.send(lisp.MsgMapReply, dst, buf[:n])
}

// -------------------------------------------------------------------------
// SMR machine
// -------------------------------------------------------------------------

// handleSMR reacts to a Solicit-Map-Request: refresh the solicited EIDs
// through the mapping system, one in-flight request per EID.
func (x *XTR) handleSMR(req *lisp.MapRequest, src netip.AddrPort) {
	for _, eid := range req.EIDs {
		ip, ok := eid.LeafIP()
		if !ok {
			continue
		}
		entry, found := x.cache.Lookup(eid.InstanceID(), ip)
		if !found {
			continue
		}
		if entry.SMRInflight {
			x.logger.Debug("smr already in flight", slog.String("eid", entry.EID().String()))
			continue
		}
		entry.SMRInflight = true
		x.logger.Info("smr received, refreshing mapping",
			slog.String("eid", entry.EID().String()),
			slog.String("src", src.String()),
		)
		x.refreshEntry(entry)
	}
}

// refreshEntry issues an SMR-invoked Map-Request for an existing entry.
func (x *XTR) refreshEntry(entry *mapcache.Entry) {
	if len(x.resolvers) == 0 {
		entry.SMRInflight = false
		return
	}
	resolver := x.resolvers[x.rrNext%len(x.resolvers)]
	x.rrNext++

	pr := x.nonces.Issue(resolver, x.cfg.RequestRetries,
		func(reply any) { x.installReply(entry, reply) },
		func() { entry.SMRInflight = false },
	)
	x.sendMapRequest(entry.EID(), pr.Nonce, resolver, true)
}

// SolicitPeers sends an SMR for each changed local mapping to every peer
// currently caching remote state, suppressing repeats per (EID, peer)
// for the suppression window.
func (x *XTR) SolicitPeers(changed []*lisp.Mapping) {
	peers := x.cachePeers()
	for _, m := range changed {
		for _, peer := range peers {
			key := m.EID.String() + "|" + peer.String()
			if t, ok := x.smrSuppress[key]; ok && t.Running() {
				continue
			}
			x.sendSMR(m, peer)
			t, ok := x.smrSuppress[key]
			if !ok {
				k := key
				t = x.wheel.NewTimer(func() { delete(x.smrSuppress, k) })
				x.smrSuppress[key] = t
			}
			t.Start(smrSuppressWindow)
		}
	}
}

// cachePeers collects the distinct locator endpoints present in the cache.
func (x *XTR) cachePeers() []netip.AddrPort {
	seen := make(map[netip.Addr]struct{})
	var out []netip.AddrPort
	x.cache.Entries(func(e *mapcache.Entry) {
		for _, l := range e.Mapping.Locators.All() {
			ip, ok := l.Addr.LeafIP()
			if !ok {
				continue
			}
			if _, dup := seen[ip]; dup {
				continue
			}
			seen[ip] = struct{}{}
			out = append(out, netip.AddrPortFrom(ip, lisp.ControlPort))
		}
	})
	return out
}

// sendSMR emits one Solicit-Map-Request for a local EID to one peer.
func (x *XTR) sendSMR(m *lisp.Mapping, peer netip.AddrPort) {
	req := &lisp.MapRequest{
		SMR:       true,
		Nonce:     lisp.NewNonce(),
		SourceEID: m.EID,
		ITRRLOCs:  x.localRLOCs(),
		EIDs:      []lisp.Addr{m.EID},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRequest(req, buf)
	if err != nil {
		x.logger.Error("marshal smr", slog.String("error", err.Error()))
		return
	}
	x.send(lisp.MsgMapRequest, peer, buf[:n])
	if x.metrics != nil {
		x.metrics.SMRsSent.Inc()
	}
}

// OnIfaceChange updates the affected local locators, recomputes their
// policies, re-registers immediately, and solicits peers.
func (x *XTR) OnIfaceChange(ev IfaceEvent) {
	changed := x.db.IfaceChange(ev.Iface, ev.Addr, ev.Up)
	if len(changed) == 0 {
		return
	}
	for _, m := range changed {
		x.engine.Recompute(m)
	}
	x.registerAll()
	x.SolicitPeers(changed)
}

// onCacheExpire releases resolution state evicted by TTL.
func (x *XTR) onCacheExpire(e *mapcache.Entry) {
	if e.PendingNonce != 0 {
		x.nonces.Cancel(e.PendingNonce)
	}
}

// -------------------------------------------------------------------------
// NAT traversal (Info-Request / Info-Reply)
// -------------------------------------------------------------------------

// sendInfoRequest asks the first Map-Server for our translated address
// and the RTR set.
func (x *XTR) sendInfoRequest() {
	if len(x.mapServers) == 0 {
		return
	}
	ms := x.mapServers[0]
	info := &lisp.InfoMsg{
		Nonce: lisp.NewNonce(),
		KeyID: ms.KeyType,
		TTL:   x.cfg.RegisterInterval,
		EID:   x.sourceEID(),
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalInfo(info, buf, ms.Key)
	if err != nil {
		x.logger.Error("marshal info-request", slog.String("error", err.Error()))
		return
	}
	x.send(lisp.MsgInfo, netip.AddrPortFrom(ms.Addr, lisp.ControlPort), buf[:n])
}

// HandleInfoReply learns the RTR set; subsequent registers also go
// through the RTRs.
func (x *XTR) HandleInfoReply(info *lisp.InfoMsg, src netip.AddrPort) {
	if info.NAT == nil {
		x.drop("info-reply", src)
		return
	}
	x.rtrs = x.rtrs[:0]
	for _, r := range info.NAT.RTRs {
		ip, ok := r.LeafIP()
		if !ok {
			continue
		}
		x.rtrs = append(x.rtrs, netip.AddrPortFrom(ip, lisp.ControlPort))
	}
	x.logger.Info("info-reply processed",
		slog.String("global_addr", info.NAT.GlobalETR.String()),
		slog.Int("rtrs", len(x.rtrs)),
	)
}
