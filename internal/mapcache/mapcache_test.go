package mapcache

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/golispd/internal/fwd"
	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) (*Cache, *timerwheel.Wheel) {
	t.Helper()
	w := timerwheel.New()
	engine := fwd.NewEngine(discard(), nil)
	return New(discard(), w, engine, nil), w
}

func mapping(t *testing.T, prefix string, iid uint32, rlocs ...string) *lisp.Mapping {
	t.Helper()
	eid, err := lisp.ParseAddrText(prefix)
	if err != nil {
		t.Fatal(err)
	}
	m := lisp.NewMapping(eid, iid)
	for _, r := range rlocs {
		a, err := lisp.ParseAddrText(r)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Locators.Insert(lisp.NewRemoteLocator(a, 1, 100)); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestCacheLongestPrefixMatch(t *testing.T) {
	c, _ := newTestCache(t)

	if _, err := c.Add(mapping(t, "10.0.0.0/8", 0, "192.0.2.1"), true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(mapping(t, "10.1.0.0/16", 0, "192.0.2.2"), true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ip   string
		want string
	}{
		{name: "more specific wins", ip: "10.1.2.3", want: "10.1.0.0/16"},
		{name: "covering prefix", ip: "10.2.2.3", want: "10.0.0.0/8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := c.Lookup(0, netip.MustParseAddr(tt.ip))
			if !ok {
				t.Fatalf("Lookup(%s) missed", tt.ip)
			}
			if got := e.EID().String(); got != tt.want {
				t.Errorf("Lookup(%s) = %s, want %s", tt.ip, got, tt.want)
			}
		})
	}

	if _, ok := c.Lookup(0, netip.MustParseAddr("11.0.0.1")); ok {
		t.Error("Lookup outside every prefix hit")
	}
}

func TestCacheInstanceScoping(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.Add(mapping(t, "[iid/7]10.0.0.0/8", 7, "192.0.2.1"), true); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(7, netip.MustParseAddr("10.1.1.1")); !ok {
		t.Error("Lookup in instance 7 missed")
	}
	if _, ok := c.Lookup(0, netip.MustParseAddr("10.1.1.1")); ok {
		t.Error("Lookup in default instance hit an instance-7 entry")
	}
}

func TestCacheInsertRemoveRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	m := mapping(t, "10.0.0.0/24", 0, "192.0.2.1")
	if _, err := c.Add(m, true); err != nil {
		t.Fatal(err)
	}
	pfx := netip.MustParsePrefix("10.0.0.0/24")
	if _, ok := c.LookupExact(0, pfx); !ok {
		t.Fatal("LookupExact missed after Add")
	}
	if err := c.Remove(0, pfx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := c.LookupExact(0, pfx); ok {
		t.Error("LookupExact hit after Remove")
	}
	if err := c.Remove(0, pfx); err == nil {
		t.Error("second Remove succeeded")
	}
}

func TestCacheExpiryEvictsWithinOneTick(t *testing.T) {
	c, w := newTestCache(t)

	var expired []string
	c.OnExpire = func(e *Entry) { expired = append(expired, e.EID().String()) }

	m := mapping(t, "10.0.0.0/24", 0, "192.0.2.1")
	m.TTL = 5 * time.Second
	e, err := c.Add(m, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := e.ExpiresAt.Sub(e.CreatedAt); got != m.TTL {
		t.Errorf("expiry deadline = created + %s, want created + %s", got, m.TTL)
	}

	for i := 0; i < 4; i++ {
		w.Tick()
	}
	if c.Len() != 1 {
		t.Fatal("entry evicted before its deadline")
	}
	w.Tick()
	if c.Len() != 0 {
		t.Error("entry survived past its deadline")
	}
	if len(expired) != 1 || expired[0] != "10.0.0.0/24" {
		t.Errorf("OnExpire saw %v", expired)
	}
}

func TestCachePlaceholderActivation(t *testing.T) {
	c, _ := newTestCache(t)
	eid, _ := lisp.ParseAddrText("203.0.113.0/24")

	e, err := c.AddNegativePlaceholder(eid, 0, 0xABCD, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if e.Active {
		t.Error("placeholder is Active")
	}
	if e.PendingNonce != 0xABCD {
		t.Errorf("pending nonce = %#x", e.PendingNonce)
	}
	if e.Mapping.Action != lisp.ActSendMapRequest {
		t.Errorf("placeholder action = %s", e.Mapping.Action)
	}

	c.Activate(e, mapping(t, "203.0.113.0/24", 0, "198.51.100.1"))
	if !e.Active || e.PendingNonce != 0 {
		t.Errorf("after activation: active=%t nonce=%#x", e.Active, e.PendingNonce)
	}
	if !e.Vectors.HasEgress() {
		t.Error("activation did not produce balancing vectors")
	}
}

func TestCacheMakeNegative(t *testing.T) {
	c, _ := newTestCache(t)
	eid, _ := lisp.ParseAddrText("203.0.113.0/24")
	e, err := c.AddNegativePlaceholder(eid, 0, 1, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.MakeNegative(e, lisp.ActNativelyForward, lisp.NegativeMappingTTL)
	if !e.Active {
		t.Error("negative entry is not resolved")
	}
	if e.Mapping.Action != lisp.ActNativelyForward {
		t.Errorf("action = %s", e.Mapping.Action)
	}
	if e.Mapping.Locators.Len() != 0 {
		t.Error("negative entry has locators")
	}
}

func TestCacheFlush(t *testing.T) {
	c, _ := newTestCache(t)
	if _, err := c.Add(mapping(t, "10.0.0.0/8", 0, "192.0.2.1"), true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(mapping(t, "[iid/9]172.16.0.0/12", 9, "192.0.2.2"), true); err != nil {
		t.Fatal(err)
	}
	c.Flush()
	if c.Len() != 0 {
		t.Errorf("Len = %d after flush", c.Len())
	}
	if _, ok := c.Lookup(0, netip.MustParseAddr("10.1.1.1")); ok {
		t.Error("Lookup hit after flush")
	}
}

func TestCacheEIDNormalization(t *testing.T) {
	c, _ := newTestCache(t)
	// Host bits in the configured prefix are masked on construction.
	m := mapping(t, "10.0.0.77/24", 0, "192.0.2.1")
	if _, err := c.Add(m, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.LookupExact(0, netip.MustParsePrefix("10.0.0.0/24")); !ok {
		t.Error("normalized prefix not found")
	}
}
