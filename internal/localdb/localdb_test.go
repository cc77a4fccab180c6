package localdb

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/dantte-lp/golispd/internal/lisp"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func localMapping(t *testing.T, prefix, iface, rloc string) *lisp.Mapping {
	t.Helper()
	eid, err := lisp.ParseAddrText(prefix)
	if err != nil {
		t.Fatal(err)
	}
	m := lisp.NewMapping(eid, eid.InstanceID())
	addr, err := lisp.ParseAddrText(rloc)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Locators.Insert(lisp.NewLocalLocator(addr, iface, 1, 100)); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDBAddLookup(t *testing.T) {
	db := New(discard())
	m := localMapping(t, "10.0.0.0/24", "eth0", "192.0.2.10")
	if err := db.Add(m); err != nil {
		t.Fatal(err)
	}
	if !m.Authoritative {
		t.Error("local mapping is not authoritative")
	}

	got, ok := db.Lookup(0, netip.MustParseAddr("10.0.0.5"))
	if !ok || got != m {
		t.Fatalf("Lookup = %v, %t", got, ok)
	}
	if _, ok := db.Lookup(0, netip.MustParseAddr("10.0.1.5")); ok {
		t.Error("Lookup outside the prefix hit")
	}

	if err := db.Add(localMapping(t, "10.0.0.0/24", "eth0", "192.0.2.11")); err == nil {
		t.Error("duplicate Add succeeded")
	}
}

func TestDBIfaceChangeUpdatesLocators(t *testing.T) {
	db := New(discard())
	m := localMapping(t, "10.0.0.0/24", "eth0", "192.0.2.10")
	if err := db.Add(m); err != nil {
		t.Fatal(err)
	}

	affected := db.IfaceChange("eth0", netip.MustParseAddr("198.51.100.44"), true)
	if len(affected) != 1 || affected[0] != m {
		t.Fatalf("affected = %v", affected)
	}
	loc := m.Locators.All()[0]
	ip, _ := loc.Addr.LeafIP()
	if ip != netip.MustParseAddr("198.51.100.44") {
		t.Errorf("locator addr = %s after change", ip)
	}
	if loc.State != lisp.StateUp {
		t.Errorf("locator state = %s, want Up", loc.State)
	}

	// Status-only change: address stays, state goes down.
	db.IfaceChange("eth0", netip.Addr{}, false)
	if loc.State != lisp.StateDown {
		t.Errorf("locator state = %s, want Down", loc.State)
	}
	ip, _ = loc.Addr.LeafIP()
	if ip != netip.MustParseAddr("198.51.100.44") {
		t.Errorf("locator addr changed on status-only event: %s", ip)
	}

	if got := db.IfaceChange("eth9", netip.Addr{}, true); got != nil {
		t.Errorf("unknown interface affected %v", got)
	}
}

func TestDBRemoveScrubsIfaceIndex(t *testing.T) {
	db := New(discard())
	m := localMapping(t, "10.0.0.0/24", "eth0", "192.0.2.10")
	if err := db.Add(m); err != nil {
		t.Fatal(err)
	}
	if len(db.IfaceLocators("eth0")) != 1 {
		t.Fatal("iface index not populated")
	}

	removed, ok := db.Remove(0, netip.MustParsePrefix("10.0.0.0/24"))
	if !ok || removed != m {
		t.Fatalf("Remove = %v, %t", removed, ok)
	}
	if len(db.IfaceLocators("eth0")) != 0 {
		t.Error("iface index still references removed mapping")
	}
	if db.Len() != 0 {
		t.Errorf("Len = %d", db.Len())
	}
}
