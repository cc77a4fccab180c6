package control

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/golispd/internal/fwd"
	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/localdb"
	"github.com/dantte-lp/golispd/internal/mapcache"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// captureSender records outbound control messages for assertions.
type captureSender struct {
	sent []capturedMsg
}

type capturedMsg struct {
	dst netip.AddrPort
	buf []byte
}

func (c *captureSender) Send(dst netip.AddrPort, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.sent = append(c.sent, capturedMsg{dst: dst, buf: cp})
	return nil
}

// ofType filters captured messages by control message type.
func (c *captureSender) ofType(t lisp.MsgType) []capturedMsg {
	var out []capturedMsg
	for _, m := range c.sent {
		if typ, err := lisp.PeekType(m.buf); err == nil && typ == t {
			out = append(out, m)
		}
	}
	return out
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(t *testing.T, s string) lisp.Addr {
	t.Helper()
	a, err := lisp.ParseAddrText(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// testXTR builds an xTR with one authoritative EID-prefix and one MS.
func testXTR(t *testing.T, cfg XTRConfig) (*XTR, *captureSender, *timerwheel.Wheel) {
	t.Helper()
	wheel := timerwheel.New()
	sender := &captureSender{}
	db := localdb.New(discard())
	engine := fwd.NewEngine(discard(), nil)
	cache := mapcache.New(discard(), wheel, engine, nil)

	m := lisp.NewMapping(addr(t, "10.0.0.0/24"), 0)
	if err := m.Locators.Insert(lisp.NewLocalLocator(addr(t, "192.0.2.10"), "eth0", 1, 100)); err != nil {
		t.Fatal(err)
	}
	if err := db.Add(m); err != nil {
		t.Fatal(err)
	}

	x := NewXTR(discard(), wheel, nil, sender, db, cache, engine, cfg)
	x.AddMapServer(MapServer{
		Addr:    netip.MustParseAddr("192.0.2.1"),
		KeyType: lisp.KeyTypeHMACSHA1,
		Key:     "s",
	})
	return x, sender, wheel
}

func tick(w *timerwheel.Wheel, n int) {
	for i := 0; i < n; i++ {
		w.Tick()
	}
}

func TestRegisterEmittedWithinOneSecond(t *testing.T) {
	x, sender, wheel := testXTR(t, XTRConfig{})
	x.Start()
	defer x.Stop()

	wheel.Tick()
	regs := sender.ofType(lisp.MsgMapRegister)
	if len(regs) != 1 {
		t.Fatalf("registers sent = %d after 1 s, want 1", len(regs))
	}
	msg := regs[0]
	if want := netip.MustParseAddrPort("192.0.2.1:4342"); msg.dst != want {
		t.Errorf("register dst = %s, want %s", msg.dst, want)
	}

	if err := lisp.VerifyAuthData(msg.buf, lisp.RegisterAuthOffset, lisp.KeyTypeHMACSHA1, "s"); err != nil {
		t.Errorf("register HMAC: %v", err)
	}
	reg, err := lisp.UnmarshalMapRegister(msg.buf)
	if err != nil {
		t.Fatalf("UnmarshalMapRegister: %v", err)
	}
	if !reg.WantNotify {
		t.Error("register does not request a Map-Notify")
	}
	if len(reg.Records) != 1 || reg.Records[0].EID.String() != "10.0.0.0/24" {
		t.Errorf("records = %v", reg.Records)
	}
}

func TestNotifyCancelsRetransmission(t *testing.T) {
	x, sender, wheel := testXTR(t, XTRConfig{})
	x.Start()
	defer x.Stop()

	wheel.Tick()
	regs := sender.ofType(lisp.MsgMapRegister)
	if len(regs) != 1 {
		t.Fatalf("registers = %d", len(regs))
	}
	reg, err := lisp.UnmarshalMapRegister(regs[0].buf)
	if err != nil {
		t.Fatal(err)
	}

	// Inject a matching, authenticated Map-Notify.
	not := &lisp.MapNotify{Nonce: reg.Nonce, KeyID: lisp.KeyTypeHMACSHA1, Records: reg.Records}
	raw := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapNotify(not, raw, "s")
	if err != nil {
		t.Fatal(err)
	}
	src := netip.MustParseAddrPort("192.0.2.1:4342")
	x.HandleMapNotify(lispMustUnmarshalNotify(t, raw[:n]), raw[:n], src)

	// No retransmission after the retry interval.
	tick(wheel, 5)
	if got := len(sender.ofType(lisp.MsgMapRegister)); got != 1 {
		t.Errorf("registers = %d after notify, want no retransmission", got)
	}
}

func TestMissingNotifyTriggersRetry(t *testing.T) {
	x, sender, wheel := testXTR(t, XTRConfig{})
	x.Start()
	defer x.Stop()

	wheel.Tick() // initial register
	tick(wheel, 3)
	regs := sender.ofType(lisp.MsgMapRegister)
	if len(regs) != 2 {
		t.Fatalf("registers = %d after 3 s without notify, want retry", len(regs))
	}

	// Retransmission reuses the nonce.
	a, _ := lisp.UnmarshalMapRegister(regs[0].buf)
	b, _ := lisp.UnmarshalMapRegister(regs[1].buf)
	if a.Nonce != b.Nonce {
		t.Errorf("retry nonce %#x differs from original %#x", b.Nonce, a.Nonce)
	}
}

func TestNotifyWithBadAuthDropped(t *testing.T) {
	x, sender, wheel := testXTR(t, XTRConfig{})
	x.Start()
	defer x.Stop()

	wheel.Tick()
	reg, _ := lisp.UnmarshalMapRegister(sender.ofType(lisp.MsgMapRegister)[0].buf)

	not := &lisp.MapNotify{Nonce: reg.Nonce, KeyID: lisp.KeyTypeHMACSHA1}
	raw := make([]byte, lisp.MaxMessageSize)
	n, _ := lisp.MarshalMapNotify(not, raw, "wrong-key")
	src := netip.MustParseAddrPort("192.0.2.1:4342")
	x.HandleMapNotify(lispMustUnmarshalNotify(t, raw[:n]), raw[:n], src)

	// The bad notify must not cancel retransmission.
	tick(wheel, 3)
	if got := len(sender.ofType(lisp.MsgMapRegister)); got != 2 {
		t.Errorf("registers = %d, want retry despite forged notify", got)
	}
}

func lispMustUnmarshalNotify(t *testing.T, buf []byte) *lisp.MapNotify {
	t.Helper()
	not, err := lisp.UnmarshalMapNotify(buf)
	if err != nil {
		t.Fatal(err)
	}
	return not
}

func TestResolveInstallsPlaceholderAndActivates(t *testing.T) {
	x, sender, _ := testXTR(t, XTRConfig{})
	x.AddResolver(netip.MustParseAddrPort("192.0.2.1:4342"))

	e := x.Resolve(0, netip.MustParseAddr("203.0.113.5"))
	if e == nil || e.Active {
		t.Fatalf("placeholder = %v", e)
	}
	ecms := sender.ofType(lisp.MsgEncapControl)
	if len(ecms) != 1 {
		t.Fatalf("encapsulated requests = %d, want 1", len(ecms))
	}
	inner, _, innerDst, err := lisp.UnmarshalECM(ecms[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	if innerDst.Addr() != netip.MustParseAddr("203.0.113.5") {
		t.Errorf("inner dst = %s, want the requested EID", innerDst)
	}
	req, err := lisp.UnmarshalMapRequest(inner)
	if err != nil {
		t.Fatal(err)
	}

	// Positive reply activates the placeholder.
	rec := &lisp.Record{
		TTL: time.Hour,
		EID: addr(t, "203.0.113.0/24"),
		Locators: []*lisp.Locator{
			lisp.NewRemoteLocator(addr(t, "198.51.100.1"), 1, 100),
		},
	}
	x.HandleMapReply(&lisp.MapReply{Nonce: req.Nonce, Records: []*lisp.Record{rec}},
		netip.MustParseAddrPort("192.0.2.1:4342"))

	got, ok := x.cache.Lookup(0, netip.MustParseAddr("203.0.113.5"))
	if !ok || !got.Active {
		t.Fatalf("cache entry after reply = %v, %t", got, ok)
	}
	if got.EID().String() != "203.0.113.0/24" {
		t.Errorf("entry eid = %s", got.EID())
	}
	if !got.Vectors.HasEgress() {
		t.Error("activated entry has no balancing vectors")
	}
}

func TestReplyWithUnknownNonceDroppedSilently(t *testing.T) {
	x, _, _ := testXTR(t, XTRConfig{})
	x.HandleMapReply(&lisp.MapReply{Nonce: 0x1111}, netip.MustParseAddrPort("198.51.100.1:4342"))
	if x.cache.Len() != 0 {
		t.Error("unknown-nonce reply mutated the cache")
	}
}

func TestProbeLossMarksLocatorDownAndRecoveryRestores(t *testing.T) {
	cfg := XTRConfig{Probing: ProbingConfig{
		Interval:      30 * time.Second,
		Retries:       2,
		RetryInterval: 5 * time.Second,
	}}
	x, sender, wheel := testXTR(t, cfg)

	m := lisp.NewMapping(addr(t, "203.0.113.0/24"), 0)
	loc := lisp.NewRemoteLocator(addr(t, "198.51.100.1"), 1, 100)
	if err := m.Locators.Insert(loc); err != nil {
		t.Fatal(err)
	}
	e, err := x.cache.Add(m, true)
	if err != nil {
		t.Fatal(err)
	}
	x.startProbing(e)

	// Probe round at 30 s, retries at 35 s and 40 s, expiry at 45 s.
	tick(wheel, 30)
	if got := len(sender.ofType(lisp.MsgMapRequest)); got != 1 {
		t.Fatalf("probes sent = %d at 30 s, want 1", got)
	}
	tick(wheel, 10)
	if got := len(sender.ofType(lisp.MsgMapRequest)); got != 3 {
		t.Fatalf("probes sent = %d at 40 s, want 3", got)
	}
	probe, err := lisp.UnmarshalMapRequest(sender.ofType(lisp.MsgMapRequest)[2].buf)
	if err != nil {
		t.Fatal(err)
	}
	if !probe.Probe {
		t.Error("probe request lacks the P bit")
	}

	tick(wheel, 5)
	if loc.State != lisp.StateDown {
		t.Fatalf("locator state = %s after 3 lost probes, want Down", loc.State)
	}
	if e.Vectors.HasEgress() {
		t.Error("vectors did not shrink after the locator went down")
	}

	// Next round probes again; a reply restores the locator.
	tick(wheel, 15) // second round at 60 s
	probes := sender.ofType(lisp.MsgMapRequest)
	last, err := lisp.UnmarshalMapRequest(probes[len(probes)-1].buf)
	if err != nil {
		t.Fatal(err)
	}
	x.HandleMapReply(&lisp.MapReply{Probe: true, Nonce: last.Nonce},
		netip.MustParseAddrPort("198.51.100.1:4342"))

	if loc.State != lisp.StateUp {
		t.Errorf("locator state = %s after probe reply, want Up", loc.State)
	}
	if !e.Vectors.HasEgress() {
		t.Error("vectors did not recover after the locator came back")
	}
}

func TestIfaceChangeEmitsSMRWithSuppression(t *testing.T) {
	x, sender, wheel := testXTR(t, XTRConfig{})

	// A cached remote mapping: its locator is the SMR peer.
	m := lisp.NewMapping(addr(t, "203.0.113.0/24"), 0)
	if err := m.Locators.Insert(lisp.NewRemoteLocator(addr(t, "198.51.100.9"), 1, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := x.cache.Add(m, true); err != nil {
		t.Fatal(err)
	}

	ev := IfaceEvent{Iface: "eth0", Addr: netip.MustParseAddr("192.0.2.99"), Up: true}
	x.OnIfaceChange(ev)

	smrs := sender.ofType(lisp.MsgMapRequest)
	if len(smrs) != 1 {
		t.Fatalf("smrs = %d after iface change, want 1", len(smrs))
	}
	req, err := lisp.UnmarshalMapRequest(smrs[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	if !req.SMR {
		t.Error("solicitation lacks the S bit")
	}
	if want := netip.MustParseAddrPort("198.51.100.9:4342"); smrs[0].dst != want {
		t.Errorf("smr dst = %s, want %s", smrs[0].dst, want)
	}

	// An immediate second change is suppressed per (EID, peer).
	x.OnIfaceChange(ev)
	if got := len(sender.ofType(lisp.MsgMapRequest)); got != 1 {
		t.Errorf("smrs = %d, want replay suppressed within 1 s", got)
	}

	// After the suppression window the SMR goes out again.
	wheel.Tick()
	x.OnIfaceChange(ev)
	if got := len(sender.ofType(lisp.MsgMapRequest)); got != 2 {
		t.Errorf("smrs = %d after window, want 2", got)
	}

	// The register machinery also re-announced immediately.
	if got := len(sender.ofType(lisp.MsgMapRegister)); got == 0 {
		t.Error("iface change did not trigger re-registration")
	}
}

func TestSMRReceiptTriggersSingleRefresh(t *testing.T) {
	x, sender, _ := testXTR(t, XTRConfig{})
	x.AddResolver(netip.MustParseAddrPort("192.0.2.1:4342"))

	m := lisp.NewMapping(addr(t, "203.0.113.0/24"), 0)
	if err := m.Locators.Insert(lisp.NewRemoteLocator(addr(t, "198.51.100.9"), 1, 100)); err != nil {
		t.Fatal(err)
	}
	e, err := x.cache.Add(m, true)
	if err != nil {
		t.Fatal(err)
	}

	smr := &lisp.MapRequest{
		SMR:       true,
		Nonce:     lisp.NewNonce(),
		SourceEID: addr(t, "203.0.113.0/24"),
		ITRRLOCs:  []lisp.Addr{addr(t, "198.51.100.9")},
		EIDs:      []lisp.Addr{addr(t, "203.0.113.0/24")},
	}
	peer := netip.MustParseAddrPort("198.51.100.9:4342")
	x.HandleMapRequest(smr, peer)
	x.HandleMapRequest(smr, peer) // gated by smr-inflight

	if got := len(sender.ofType(lisp.MsgEncapControl)); got != 1 {
		t.Errorf("refresh requests = %d, want 1 (smr-inflight gate)", got)
	}
	if !e.SMRInflight {
		t.Error("entry not marked smr-inflight")
	}
}

func TestProbeRequestAnsweredFromDatabase(t *testing.T) {
	x, sender, _ := testXTR(t, XTRConfig{})

	req := &lisp.MapRequest{
		Probe:     true,
		Nonce:     777,
		SourceEID: lisp.NoAddr(),
		ITRRLOCs:  []lisp.Addr{addr(t, "198.51.100.2")},
		EIDs:      []lisp.Addr{addr(t, "10.0.0.0/24")},
	}
	x.HandleMapRequest(req, netip.MustParseAddrPort("198.51.100.2:4342"))

	reps := sender.ofType(lisp.MsgMapReply)
	if len(reps) != 1 {
		t.Fatalf("replies = %d, want 1", len(reps))
	}
	rep, err := lisp.UnmarshalMapReply(reps[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Probe || rep.Nonce != 777 {
		t.Errorf("reply = P:%t nonce:%d", rep.Probe, rep.Nonce)
	}
	if len(rep.Records) != 1 || rep.Records[0].EID.String() != "10.0.0.0/24" {
		t.Errorf("records = %v", rep.Records)
	}
}

func TestResolverRoundRobinAndDedup(t *testing.T) {
	x, sender, _ := testXTR(t, XTRConfig{})
	a := netip.MustParseAddrPort("192.0.2.1:4342")
	b := netip.MustParseAddrPort("192.0.2.2:4342")
	x.AddResolver(a)
	x.AddResolver(a) // deduplicated
	x.AddResolver(b)
	if len(x.resolvers) != 2 {
		t.Fatalf("resolvers = %d after dedup, want 2", len(x.resolvers))
	}

	x.Resolve(0, netip.MustParseAddr("203.0.113.5"))
	x.Resolve(0, netip.MustParseAddr("203.0.114.5"))
	ecms := sender.ofType(lisp.MsgEncapControl)
	if len(ecms) != 2 {
		t.Fatalf("requests = %d", len(ecms))
	}
	if ecms[0].dst != a || ecms[1].dst != b {
		t.Errorf("resolver order = %s, %s; want round-robin %s, %s", ecms[0].dst, ecms[1].dst, a, b)
	}
}

func TestMapServerDedup(t *testing.T) {
	x, _, _ := testXTR(t, XTRConfig{})
	x.AddMapServer(MapServer{Addr: netip.MustParseAddr("192.0.2.1"), Key: "other"})
	if len(x.mapServers) != 1 {
		t.Errorf("map servers = %d after duplicate add, want 1", len(x.mapServers))
	}
}
