package control

import (
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// testMSMR builds a Map-Server with one proxy-reply site.
func testMSMR(t *testing.T, proxyReply bool) (*MSMR, *captureSender, *timerwheel.Wheel) {
	t.Helper()
	wheel := timerwheel.New()
	sender := &captureSender{}
	s := NewMSMR(discard(), wheel, nil, sender)
	err := s.AddSite(&Site{
		EID:        addr(t, "203.0.113.0/24"),
		KeyType:    lisp.KeyTypeHMACSHA1,
		Key:        "s",
		ProxyReply: proxyReply,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, sender, wheel
}

// register sends an authenticated Map-Register for the site prefix.
func register(t *testing.T, s *MSMR, key string, wantNotify bool) *lisp.MapRegister {
	t.Helper()
	reg := &lisp.MapRegister{
		WantNotify: wantNotify,
		Nonce:      lisp.NewNonce(),
		KeyID:      lisp.KeyTypeHMACSHA1,
		Records: []*lisp.Record{{
			TTL:           time.Hour,
			Authoritative: true,
			EID:           addr(t, "203.0.113.0/24"),
			Locators: []*lisp.Locator{
				lisp.NewRemoteLocator(addr(t, "198.51.100.1"), 1, 100),
			},
		}},
	}
	raw := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRegister(reg, raw, key)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := lisp.UnmarshalMapRegister(raw[:n])
	if err != nil {
		t.Fatal(err)
	}
	s.HandleMapRegister(parsed, raw[:n], netip.MustParseAddrPort("198.51.100.1:4342"))
	return parsed
}

func TestRegisterStoredAndNotified(t *testing.T) {
	s, sender, _ := testMSMR(t, true)
	reg := register(t, s, "s", true)

	nots := sender.ofType(lisp.MsgMapNotify)
	if len(nots) != 1 {
		t.Fatalf("notifies = %d, want 1", len(nots))
	}
	not, err := lisp.UnmarshalMapNotify(nots[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	if not.Nonce != reg.Nonce {
		t.Errorf("notify nonce = %#x, want the register's %#x", not.Nonce, reg.Nonce)
	}
	if err := lisp.VerifyAuthData(nots[0].buf, lisp.RegisterAuthOffset, lisp.KeyTypeHMACSHA1, "s"); err != nil {
		t.Errorf("notify HMAC: %v", err)
	}

	count := 0
	s.Sites(func(site *Site) {
		site.Registrations(func(netip.Prefix, *lisp.Mapping, netip.AddrPort) { count++ })
	})
	if count != 1 {
		t.Errorf("registrations = %d, want 1", count)
	}
}

func TestRegisterWithBadKeyRejected(t *testing.T) {
	s, sender, _ := testMSMR(t, true)
	register(t, s, "wrong", true)

	if got := len(sender.ofType(lisp.MsgMapNotify)); got != 0 {
		t.Errorf("notifies = %d for a forged register, want 0", got)
	}
	count := 0
	s.Sites(func(site *Site) {
		site.Registrations(func(netip.Prefix, *lisp.Mapping, netip.AddrPort) { count++ })
	})
	if count != 0 {
		t.Errorf("registrations = %d, want 0", count)
	}
}

func TestProxyReplyServesRegisteredMapping(t *testing.T) {
	s, sender, _ := testMSMR(t, true)
	register(t, s, "s", false)

	req := &lisp.MapRequest{
		Nonce:     4242,
		SourceEID: lisp.NoAddr(),
		ITRRLOCs:  []lisp.Addr{addr(t, "192.0.2.66")},
		EIDs:      []lisp.Addr{addr(t, "203.0.113.5/32")},
	}
	s.HandleMapRequest(req, netip.MustParseAddrPort("192.0.2.66:61000"))

	reps := sender.ofType(lisp.MsgMapReply)
	if len(reps) != 1 {
		t.Fatalf("replies = %d, want 1", len(reps))
	}
	rep, err := lisp.UnmarshalMapReply(reps[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nonce != 4242 {
		t.Errorf("nonce = %d", rep.Nonce)
	}
	rec := rep.Records[0]
	if rec.EID.String() != "203.0.113.0/24" {
		t.Errorf("record eid = %s, want the registered site prefix", rec.EID)
	}
	if rec.Authoritative {
		t.Error("proxy reply marked authoritative")
	}
	if len(rec.Locators) != 1 || rec.Locators[0].Addr.String() != "198.51.100.1" {
		t.Errorf("locators = %v, want the registration's", rec.Locators)
	}
	if want := netip.MustParseAddrPort("192.0.2.66:61000"); reps[0].dst != want {
		t.Errorf("reply dst = %s, want itr-rloc at source port %s", reps[0].dst, want)
	}
}

func TestUnknownEIDYieldsNegativeReply(t *testing.T) {
	s, sender, _ := testMSMR(t, true)

	req := &lisp.MapRequest{
		Nonce:     7,
		SourceEID: lisp.NoAddr(),
		ITRRLOCs:  []lisp.Addr{addr(t, "192.0.2.66")},
		EIDs:      []lisp.Addr{addr(t, "8.8.8.0/24")},
	}
	s.HandleMapRequest(req, netip.MustParseAddrPort("192.0.2.66:61000"))

	reps := sender.ofType(lisp.MsgMapReply)
	if len(reps) != 1 {
		t.Fatalf("replies = %d", len(reps))
	}
	rep, _ := lisp.UnmarshalMapReply(reps[0].buf)
	rec := rep.Records[0]
	if rec.Action != lisp.ActNativelyForward {
		t.Errorf("action = %s, want NativelyForward", rec.Action)
	}
	if rec.TTL != 15*time.Minute {
		t.Errorf("ttl = %s, want 15m", rec.TTL)
	}
	if len(rec.Locators) != 0 {
		t.Error("negative reply carries locators")
	}
}

func TestNonProxySiteForwardsToETR(t *testing.T) {
	s, sender, _ := testMSMR(t, false)
	register(t, s, "s", false)

	req := &lisp.MapRequest{
		Nonce:     9,
		SourceEID: lisp.NoAddr(),
		ITRRLOCs:  []lisp.Addr{addr(t, "192.0.2.66")},
		EIDs:      []lisp.Addr{addr(t, "203.0.113.5/32")},
	}
	s.HandleMapRequest(req, netip.MustParseAddrPort("192.0.2.66:61000"))

	if got := len(sender.ofType(lisp.MsgMapReply)); got != 0 {
		t.Errorf("replies = %d from a non-proxy site, want forward instead", got)
	}
	fwds := sender.ofType(lisp.MsgEncapControl)
	if len(fwds) != 1 {
		t.Fatalf("forwards = %d, want 1", len(fwds))
	}
	if want := netip.MustParseAddrPort("198.51.100.1:4342"); fwds[0].dst != want {
		t.Errorf("forward dst = %s, want the registered ETR %s", fwds[0].dst, want)
	}
	inner, _, _, err := lisp.UnmarshalECM(fwds[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	fwdReq, err := lisp.UnmarshalMapRequest(inner)
	if err != nil {
		t.Fatal(err)
	}
	if fwdReq.Nonce != 9 {
		t.Errorf("forwarded nonce = %d, want the original", fwdReq.Nonce)
	}
}

func TestRegistrationExpires(t *testing.T) {
	s, _, wheel := testMSMR(t, true)
	register(t, s, "s", false)

	// Three register periods without refresh.
	for i := 0; i < int(registrationTTL/time.Second); i++ {
		wheel.Tick()
	}
	count := 0
	s.Sites(func(site *Site) {
		site.Registrations(func(netip.Prefix, *lisp.Mapping, netip.AddrPort) { count++ })
	})
	if count != 0 {
		t.Errorf("registrations = %d after expiry, want 0", count)
	}
}

func TestMergeRegistrationsUnionsLocators(t *testing.T) {
	wheel := timerwheel.New()
	sender := &captureSender{}
	s := NewMSMR(discard(), wheel, nil, sender)
	if err := s.AddSite(&Site{
		EID:                addr(t, "203.0.113.0/24"),
		KeyType:            lisp.KeyTypeHMACSHA1,
		Key:                "s",
		ProxyReply:         true,
		MergeRegistrations: true,
	}); err != nil {
		t.Fatal(err)
	}

	for _, etr := range []string{"198.51.100.1", "198.51.100.2"} {
		reg := &lisp.MapRegister{
			Nonce: lisp.NewNonce(),
			KeyID: lisp.KeyTypeHMACSHA1,
			Records: []*lisp.Record{{
				TTL: time.Hour,
				EID: addr(t, "203.0.113.0/24"),
				Locators: []*lisp.Locator{
					lisp.NewRemoteLocator(addr(t, etr), 1, 100),
				},
			}},
		}
		raw := make([]byte, lisp.MaxMessageSize)
		n, err := lisp.MarshalMapRegister(reg, raw, "s")
		if err != nil {
			t.Fatal(err)
		}
		parsed, err := lisp.UnmarshalMapRegister(raw[:n])
		if err != nil {
			t.Fatal(err)
		}
		s.HandleMapRegister(parsed, raw[:n], netip.MustParseAddrPort(etr+":4342"))
	}

	var locators int
	s.Sites(func(site *Site) {
		site.Registrations(func(_ netip.Prefix, m *lisp.Mapping, _ netip.AddrPort) {
			locators = m.Locators.Len()
		})
	})
	if locators != 2 {
		t.Errorf("merged locators = %d, want the union of both ETRs", locators)
	}
}

func TestInfoRequestAnsweredWithNATLCAF(t *testing.T) {
	s, sender, _ := testMSMR(t, true)
	s.AddRTR(addr(t, "192.0.2.77"))

	info := &lisp.InfoMsg{
		Nonce: 55,
		KeyID: lisp.KeyTypeHMACSHA1,
		TTL:   time.Hour,
		EID:   addr(t, "203.0.113.0/24"),
	}
	raw := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalInfo(info, raw, "s")
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := lisp.UnmarshalInfo(raw[:n])
	if err != nil {
		t.Fatal(err)
	}
	src := netip.MustParseAddrPort("203.0.113.200:40123")
	s.HandleInfoRequest(parsed, raw[:n], src)

	infos := sender.ofType(lisp.MsgInfo)
	if len(infos) != 1 {
		t.Fatalf("info replies = %d", len(infos))
	}
	rep, err := lisp.UnmarshalInfo(infos[0].buf)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Reply || rep.Nonce != 55 || rep.NAT == nil {
		t.Fatalf("reply = R:%t nonce:%d nat:%v", rep.Reply, rep.Nonce, rep.NAT)
	}
	if rep.NAT.ETRUDPPort != 40123 {
		t.Errorf("translated port = %d, want the observed source port", rep.NAT.ETRUDPPort)
	}
	if len(rep.NAT.RTRs) != 1 || rep.NAT.RTRs[0].String() != "192.0.2.77" {
		t.Errorf("rtrs = %v", rep.NAT.RTRs)
	}
}

func TestDispatcherRoutesAndDropsMalformed(t *testing.T) {
	s, sender, _ := testMSMR(t, true)
	d := NewDispatcher(discard(), nil, s)

	// A valid request round-trips through the dispatcher.
	req := &lisp.MapRequest{
		Nonce:     3,
		SourceEID: lisp.NoAddr(),
		ITRRLOCs:  []lisp.Addr{addr(t, "192.0.2.66")},
		EIDs:      []lisp.Addr{addr(t, "8.8.8.0/24")},
	}
	buf := make([]byte, lisp.MaxMessageSize)
	n, err := lisp.MarshalMapRequest(req, buf)
	if err != nil {
		t.Fatal(err)
	}
	d.Dispatch(buf[:n], netip.MustParseAddrPort("192.0.2.66:61000"))
	if got := len(sender.ofType(lisp.MsgMapReply)); got != 1 {
		t.Fatalf("replies = %d via dispatcher", got)
	}

	// Garbage is dropped without panicking.
	d.Dispatch([]byte{0xFF, 0x00}, netip.MustParseAddrPort("192.0.2.66:61000"))
	d.Dispatch(nil, netip.MustParseAddrPort("192.0.2.66:61000"))
}
