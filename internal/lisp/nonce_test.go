package lisp

import (
	"net/netip"
	"testing"
)

func TestNonceUniqueness(t *testing.T) {
	seen := make(map[uint64]struct{})
	for i := 0; i < 1000; i++ {
		n := NewNonce()
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate nonce %#x after %d draws", n, i)
		}
		seen[n] = struct{}{}
	}
}

func TestNonceTableResolveInvokesReplyExactlyOnce(t *testing.T) {
	tbl := NewNonceTable()
	target := netip.MustParseAddrPort("192.0.2.1:4342")

	var replies, timeouts int
	pr := tbl.Issue(target, 3,
		func(any) { replies++ },
		func() { timeouts++ },
	)
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}

	if err := tbl.Resolve(pr.Nonce, "reply"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := tbl.Resolve(pr.Nonce, "reply"); err == nil {
		t.Error("second Resolve succeeded, want ErrNonceMismatch")
	}
	tbl.Expire(pr.Nonce) // after resolution: no-op

	if replies != 1 || timeouts != 0 {
		t.Errorf("replies=%d timeouts=%d, want 1/0", replies, timeouts)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d after resolve, want 0", tbl.Len())
	}
}

func TestNonceTableExpireInvokesTimeoutExactlyOnce(t *testing.T) {
	tbl := NewNonceTable()
	target := netip.MustParseAddrPort("192.0.2.1:4342")

	var replies, timeouts int
	pr := tbl.Issue(target, 0,
		func(any) { replies++ },
		func() { timeouts++ },
	)

	tbl.Expire(pr.Nonce)
	tbl.Expire(pr.Nonce)
	if err := tbl.Resolve(pr.Nonce, nil); err == nil {
		t.Error("Resolve after Expire succeeded")
	}
	if replies != 0 || timeouts != 1 {
		t.Errorf("replies=%d timeouts=%d, want 0/1", replies, timeouts)
	}
}

func TestNonceTableCancelSuppressesCallbacks(t *testing.T) {
	tbl := NewNonceTable()
	target := netip.MustParseAddrPort("192.0.2.1:4342")

	fired := false
	pr := tbl.Issue(target, 0,
		func(any) { fired = true },
		func() { fired = true },
	)
	tbl.Cancel(pr.Nonce)
	if err := tbl.Resolve(pr.Nonce, nil); err == nil {
		t.Error("Resolve after Cancel succeeded")
	}
	tbl.Expire(pr.Nonce)
	if fired {
		t.Error("callback ran after Cancel")
	}
}

func TestNonceTableUnknownNonce(t *testing.T) {
	tbl := NewNonceTable()
	if err := tbl.Resolve(0x1234, nil); err == nil {
		t.Error("Resolve of unknown nonce succeeded")
	}
}
