package control

// RLOC-probing: for every active map-cache entry the xTR periodically
// verifies each locator's reachability with probe Map-Requests sent
// directly to the locator. A probe that exhausts its retry budget marks
// the locator Down and shrinks the balancing vectors; the next successful
// probe restores it.

import (
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/mapcache"
)

// startProbing arms the periodic probe timer for an entry. No-op when
// probing is disabled or the entry has no locators.
func (x *XTR) startProbing(e *mapcache.Entry) {
	if x.cfg.Probing.Interval <= 0 || e.Mapping.Locators.Len() == 0 {
		return
	}
	if e.ProbeTimer == nil {
		e.ProbeTimer = x.wheel.NewTimer(func() { x.probeEntry(e) })
	}
	e.ProbeTimer.Start(x.cfg.Probing.Interval)
}

// probeEntry launches one probe round: a probe Map-Request per locator,
// each with its own nonce and retry budget. The round timer rearms
// immediately so rounds stay periodic regardless of outcomes.
func (x *XTR) probeEntry(e *mapcache.Entry) {
	for _, loc := range e.Mapping.Locators.All() {
		ip, ok := loc.Addr.LeafIP()
		if !ok {
			continue
		}
		key := loc.Addr.String()
		if _, inflight := e.Probes[key]; inflight {
			continue
		}
		x.probeLocator(e, loc, ip, key)
	}
	e.ProbeTimer.Start(x.cfg.Probing.Interval)
}

// probeLocator sends the first probe for one locator and arms its retry
// timer.
func (x *XTR) probeLocator(e *mapcache.Entry, loc *lisp.Locator, ip netip.Addr, key string) {
	dst := netip.AddrPortFrom(ip, lisp.ControlPort)
	pr := x.nonces.Issue(dst, x.cfg.Probing.Retries,
		func(any) { x.probeSucceeded(e, loc, key) },
		func() { x.probeFailed(e, loc, key) },
	)

	ps := &mapcache.ProbeState{
		Nonce:       pr.Nonce,
		RetriesLeft: x.cfg.Probing.Retries,
	}
	ps.Timer = x.wheel.NewTimer(func() { x.retryProbe(e, ps, dst) })
	e.Probes[key] = ps

	x.transmitProbe(e.EID(), pr.Nonce, dst)
	ps.Timer.Start(x.cfg.Probing.RetryInterval)
}

// retryProbe retransmits an unanswered probe with its original nonce;
// after the budget runs out the nonce expires and the locator goes Down.
func (x *XTR) retryProbe(e *mapcache.Entry, ps *mapcache.ProbeState, dst netip.AddrPort) {
	if ps.RetriesLeft <= 0 {
		x.nonces.Expire(ps.Nonce)
		return
	}
	ps.RetriesLeft--
	x.transmitProbe(e.EID(), ps.Nonce, dst)
	ps.Timer.Start(x.cfg.Probing.RetryInterval)
}

// transmitProbe sends one probe Map-Request directly to the locator.
func (x *XTR) transmitProbe(eid lisp.Addr, nonce uint64, dst netip.AddrPort) {
	req := &lisp.MapRequest{
		Probe:     true,
		Nonce:     nonce,
		SourceEID: x.sourceEID(),
		ITRRLOCs:  x.localRLOCs(),
		EIDs:      []lisp.Addr{eid},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRequest(req, buf)
	if err != nil {
		x.logger.Error("marshal rloc-probe", slog.String("error", err.Error()))
		return
	}
	x.send(lisp.MsgMapRequest, dst, buf[:n])
	if x.metrics != nil {
		x.metrics.ProbesSent.Inc()
	}
}

// probeSucceeded clears the probe state and restores a Down locator.
func (x *XTR) probeSucceeded(e *mapcache.Entry, loc *lisp.Locator, key string) {
	if ps, ok := e.Probes[key]; ok {
		ps.Timer.Stop()
		delete(e.Probes, key)
	}
	if loc.State != lisp.StateUp {
		x.locatorTransition(e, loc, lisp.StateUp)
	}
}

// probeFailed clears the probe state and takes the locator Down.
func (x *XTR) probeFailed(e *mapcache.Entry, loc *lisp.Locator, key string) {
	if ps, ok := e.Probes[key]; ok {
		ps.Timer.Stop()
		delete(e.Probes, key)
	}
	if x.metrics != nil {
		x.metrics.ProbeTimeouts.Inc()
	}
	if loc.State != lisp.StateDown {
		x.locatorTransition(e, loc, lisp.StateDown)
	}
}

// locatorTransition applies a reachability change and recomputes the
// entry's balancing vectors.
func (x *XTR) locatorTransition(e *mapcache.Entry, loc *lisp.Locator, to lisp.LocatorState) {
	from := loc.State
	loc.State = to
	x.logger.Info("locator state change",
		slog.String("eid", e.EID().String()),
		slog.String("locator", loc.Addr.String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if x.metrics != nil {
		x.metrics.LocatorTransitions.WithLabelValues(from.String(), to.String()).Inc()
	}
	e.Vectors = x.engine.Recompute(e.Mapping)
}
