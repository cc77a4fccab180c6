package lisp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Nonces — RFC 6830 Section 6.1.2
// -------------------------------------------------------------------------

// NewNonce returns a 64-bit random nonce pairing an outbound request with
// its reply.
func NewNonce() uint64 {
	var b [8]byte
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// -------------------------------------------------------------------------
// Pending-request table
// -------------------------------------------------------------------------

// Pending-request table errors.
var (
	// ErrNonceMismatch indicates a reply bearing a nonce with no
	// outstanding request. Dropped silently by callers (logged at debug).
	ErrNonceMismatch = errors.New("no pending request for nonce")

	// ErrDuplicateNonce indicates an issue collision; with 64-bit random
	// nonces this is effectively unreachable but checked anyway.
	ErrDuplicateNonce = errors.New("nonce already outstanding")
)

// PendingRequest tracks one outbound request awaiting a reply. Created
// when the request is first sent, destroyed on reply or final timeout.
// Exactly one of OnReply / OnTimeout runs, exactly once.
type PendingRequest struct {
	// Nonce is the request nonce; reused across retransmissions.
	Nonce uint64

	// Target is the destination the request was sent to.
	Target netip.AddrPort

	// RetriesLeft counts the remaining retransmission attempts.
	RetriesLeft int

	// SentAt is the time of the most recent transmission.
	SentAt time.Time

	// OnReply is invoked with the raw reply when the nonce resolves.
	OnReply func(reply any)

	// OnTimeout is invoked after the retry budget is exhausted.
	OnTimeout func()

	done bool
}

// NonceTable maps outstanding nonces to their pending requests. Single-
// writer: all access happens on the event loop.
type NonceTable struct {
	pending map[uint64]*PendingRequest
}

// NewNonceTable returns an empty table.
func NewNonceTable() *NonceTable {
	return &NonceTable{pending: make(map[uint64]*PendingRequest)}
}

// Issue creates a pending request under a fresh nonce and returns it.
func (t *NonceTable) Issue(target netip.AddrPort, retries int, onReply func(any), onTimeout func()) *PendingRequest {
	nonce := NewNonce()
	for {
		if _, dup := t.pending[nonce]; !dup {
			break
		}
		nonce = NewNonce()
	}
	pr := &PendingRequest{
		Nonce:       nonce,
		Target:      target,
		RetriesLeft: retries,
		OnReply:     onReply,
		OnTimeout:   onTimeout,
	}
	t.pending[nonce] = pr
	return pr
}

// Track registers a pending request under a caller-chosen nonce (used by
// RLOC probing, which keeps one nonce per probed locator).
func (t *NonceTable) Track(pr *PendingRequest) error {
	if _, dup := t.pending[pr.Nonce]; dup {
		return fmt.Errorf("track nonce %#x: %w", pr.Nonce, ErrDuplicateNonce)
	}
	t.pending[pr.Nonce] = pr
	return nil
}

// Resolve removes the request for nonce and invokes its reply callback
// exactly once. A reply for an unknown or already-resolved nonce returns
// ErrNonceMismatch.
func (t *NonceTable) Resolve(nonce uint64, reply any) error {
	pr, ok := t.pending[nonce]
	if !ok || pr.done {
		return fmt.Errorf("resolve nonce %#x: %w", nonce, ErrNonceMismatch)
	}
	pr.done = true
	delete(t.pending, nonce)
	if pr.OnReply != nil {
		pr.OnReply(reply)
	}
	return nil
}

// Expire removes the request for nonce and invokes its timeout callback
// exactly once. Expiring an unknown nonce is a no-op.
func (t *NonceTable) Expire(nonce uint64) {
	pr, ok := t.pending[nonce]
	if !ok || pr.done {
		return
	}
	pr.done = true
	delete(t.pending, nonce)
	if pr.OnTimeout != nil {
		pr.OnTimeout()
	}
}

// Cancel removes the request without invoking either callback. Late
// replies are then silently discarded by Resolve.
func (t *NonceTable) Cancel(nonce uint64) {
	if pr, ok := t.pending[nonce]; ok {
		pr.done = true
		delete(t.pending, nonce)
	}
}

// Lookup returns the pending request for nonce, nil if absent.
func (t *NonceTable) Lookup(nonce uint64) *PendingRequest {
	return t.pending[nonce]
}

// Len returns the number of outstanding requests.
func (t *NonceTable) Len() int { return len(t.pending) }
