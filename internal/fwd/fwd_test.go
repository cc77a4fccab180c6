package fwd

import (
	"io"
	"log/slog"
	"testing"

	"github.com/dantte-lp/golispd/internal/lisp"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(t *testing.T, s string) lisp.Addr {
	t.Helper()
	a, err := lisp.ParseAddrText(s)
	if err != nil {
		t.Fatalf("ParseAddrText(%q): %v", s, err)
	}
	return a
}

func locator(t *testing.T, a string, pri, weight uint8) *lisp.Locator {
	t.Helper()
	return lisp.NewRemoteLocator(addr(t, a), pri, weight)
}

// names maps a vector back to locator address strings for assertions.
func names(vec []*lisp.Locator) []string {
	out := make([]string, len(vec))
	for i, l := range vec {
		out[i] = l.Addr.String()
	}
	return out
}

func equalNames(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestComputeWeightedDistribution(t *testing.T) {
	// A(pri 1, w 1), B(pri 1, w 3), C(pri 2, w 1): the combined vector has
	// length 4, contents [A B B B] in canonical order, C absent.
	a := locator(t, "10.0.0.1", 1, 1)
	b := locator(t, "10.0.0.2", 1, 3)
	c := locator(t, "10.0.0.3", 2, 1)
	set := lisp.NewLocatorSet(a, b, c)

	v := Compute(set)
	if !equalNames(names(v.All), "10.0.0.1", "10.0.0.2", "10.0.0.2", "10.0.0.2") {
		t.Errorf("All = %v, want [A B B B]", names(v.All))
	}
	if !equalNames(names(v.V4), "10.0.0.1", "10.0.0.2", "10.0.0.2", "10.0.0.2") {
		t.Errorf("V4 = %v, want [A B B B]", names(v.V4))
	}
	if len(v.V6) != 0 {
		t.Errorf("V6 = %v, want empty", names(v.V6))
	}
}

func TestComputeAllZeroWeightsDistributeEqually(t *testing.T) {
	set := lisp.NewLocatorSet(
		locator(t, "10.0.0.1", 1, 0),
		locator(t, "10.0.0.2", 1, 0),
	)
	v := Compute(set)
	if !equalNames(names(v.All), "10.0.0.1", "10.0.0.2") {
		t.Errorf("All = %v, want each locator once", names(v.All))
	}
}

func TestComputeFallsBackToNextTier(t *testing.T) {
	a := locator(t, "10.0.0.1", 1, 5)
	a.State = lisp.StateDown
	b := locator(t, "10.0.0.2", 2, 2)
	set := lisp.NewLocatorSet(a, b)

	v := Compute(set)
	if !equalNames(names(v.All), "10.0.0.2", "10.0.0.2") {
		t.Errorf("All = %v, want tier-2 locator expanded", names(v.All))
	}
}

func TestComputeAllDownYieldsNoEgress(t *testing.T) {
	a := locator(t, "10.0.0.1", 1, 5)
	a.State = lisp.StateDown
	set := lisp.NewLocatorSet(a)

	v := Compute(set)
	if v.HasEgress() {
		t.Error("HasEgress = true with every locator down")
	}
	if v.Select(12345) != nil {
		t.Error("Select returned a locator from an empty vector")
	}
}

func TestComputeUnusedPriorityNeverSelected(t *testing.T) {
	a := locator(t, "10.0.0.1", lisp.UnusedPriority, 5)
	b := locator(t, "10.0.0.2", 3, 1)
	v := Compute(lisp.NewLocatorSet(a, b))
	if !equalNames(names(v.All), "10.0.0.2") {
		t.Errorf("All = %v, want the unused-priority locator excluded", names(v.All))
	}
}

func TestComputeFamiliesSplitByLeafIP(t *testing.T) {
	v4 := locator(t, "10.0.0.1", 1, 1)
	v6 := locator(t, "2001:db8::1", 1, 1)
	v := Compute(lisp.NewLocatorSet(v4, v6))

	if !equalNames(names(v.V4), "10.0.0.1") {
		t.Errorf("V4 = %v", names(v.V4))
	}
	if !equalNames(names(v.V6), "2001:db8::1") {
		t.Errorf("V6 = %v", names(v.V6))
	}
	if len(v.All) != 2 {
		t.Errorf("All = %v, want both families", names(v.All))
	}
}

func TestComputeELPLocatorContributesLeaf(t *testing.T) {
	elp := lisp.AddrFromLCAF(&lisp.ELPLCAF{Hops: []lisp.ELPHop{
		{Addr: addr(t, "192.0.2.1")},
		{Addr: addr(t, "198.51.100.2")},
	}})
	l := lisp.NewRemoteLocator(elp, 1, 2)
	v := Compute(lisp.NewLocatorSet(l))
	if len(v.V4) != 2 {
		t.Errorf("V4 length = %d, want ELP locator expanded by weight", len(v.V4))
	}
}

func TestEngineVersionIncrementsOnRecompute(t *testing.T) {
	published := 0
	e := NewEngine(discard(), func(lisp.Addr, Vectors) { published++ })

	m := lisp.NewMapping(addr(t, "10.0.0.0/24"), 0)
	if err := m.Locators.Insert(locator(t, "192.0.2.1", 1, 1)); err != nil {
		t.Fatal(err)
	}

	v1 := e.Recompute(m)
	v2 := e.Recompute(m)
	if v2.Version != v1.Version+1 {
		t.Errorf("versions = %d then %d, want monotonic increment", v1.Version, v2.Version)
	}
	if published != 2 {
		t.Errorf("publish callback ran %d times, want 2", published)
	}

	e.Drop(m.EID)
	v3 := e.Recompute(m)
	if v3.Version != 1 {
		t.Errorf("version after drop = %d, want 1", v3.Version)
	}
}

func TestFlowHashIsStable(t *testing.T) {
	src := addr(t, "10.0.0.1")
	dst := addr(t, "10.0.0.2")
	s, _ := src.LeafIP()
	d, _ := dst.LeafIP()
	h1 := FlowHash(s, d, 6, 1234, 80)
	h2 := FlowHash(s, d, 6, 1234, 80)
	if h1 != h2 {
		t.Error("FlowHash not deterministic")
	}
	if FlowHash(s, d, 6, 1235, 80) == h1 {
		t.Error("FlowHash ignores the source port")
	}
}
