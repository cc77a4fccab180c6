package control

import (
	"log/slog"
	"net/netip"

	"github.com/dantte-lp/golispd/internal/fwd"
	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/localdb"
	"github.com/dantte-lp/golispd/internal/mapcache"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// -------------------------------------------------------------------------
// RTR — re-encapsulating tunnel router role (NAT traversal)
// -------------------------------------------------------------------------

// RTR is the re-encapsulating tunnel router: the xTR machinery anchored
// on a distinguished "all-locators" mapping — every configured RLOC under
// the wildcard EID per address family. It answers probes and requests for
// any EID through that anchor and resolves outbound like an xTR.
type RTR struct {
	*XTR
}

// NewRTR composes the RTR role. rlocs are the node's configured RLOCs;
// they all anchor under 0.0.0.0/0 and ::/0.
func NewRTR(
	logger *slog.Logger,
	wheel *timerwheel.Wheel,
	metrics *lispmetrics.Collector,
	sender Sender,
	db *localdb.DB,
	cache *mapcache.Cache,
	engine *fwd.Engine,
	cfg XTRConfig,
	rlocs []*lisp.Locator,
) (*RTR, error) {
	r := &RTR{
		XTR: NewXTR(logger.With(slog.String("role", "rtr")), wheel, metrics, sender, db, cache, engine, cfg),
	}
	for _, wildcard := range []netip.Prefix{
		netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		netip.PrefixFrom(netip.IPv6Unspecified(), 0),
	} {
		m := lisp.NewMapping(lisp.AddrFromPrefix(wildcard), cfg.InstanceID)
		for _, l := range rlocs {
			ip, ok := l.Addr.LeafIP()
			if !ok || ip.Is4() != wildcard.Addr().Is4() {
				continue
			}
			if err := m.Locators.Insert(l); err != nil {
				return nil, err
			}
		}
		if m.Locators.Len() == 0 {
			continue
		}
		if err := db.Add(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}
