package lisp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
)

// -------------------------------------------------------------------------
// Map-Register / Map-Notify authentication — RFC 6833 Section 4.3
// -------------------------------------------------------------------------

// KeyType identifies the authentication algorithm on the wire.
type KeyType uint16

const (
	// KeyTypeNone disables authentication. Registrations without a key
	// are rejected by any sane Map-Server; supported for lab use only.
	KeyTypeNone KeyType = 0

	// KeyTypeHMACSHA1 is HMAC-SHA-1-96 keyed with the pre-shared ASCII
	// secret (RFC 6833 Section 4.3; the mandatory-to-implement type).
	KeyTypeHMACSHA1 KeyType = 1

	// KeyTypeHMACSHA256 is HMAC-SHA-256-128 (RFC 6833 Section 4.3).
	KeyTypeHMACSHA256 KeyType = 2
)

// String returns the human-readable name of the key type.
func (k KeyType) String() string {
	switch k {
	case KeyTypeNone:
		return "none"
	case KeyTypeHMACSHA1:
		return "hmac-sha1-96"
	case KeyTypeHMACSHA256:
		return "hmac-sha256-128"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(k))
	}
}

// Authentication errors.
var (
	// ErrAuthFailure indicates an HMAC mismatch on a received message.
	ErrAuthFailure = errors.New("authentication data mismatch")

	// ErrUnknownKeyType indicates an unrecognized key type code.
	ErrUnknownKeyType = errors.New("unknown authentication key type")
)

// AuthDataLen returns the authentication data length for the key type.
func AuthDataLen(kt KeyType) (int, error) {
	switch kt {
	case KeyTypeNone:
		return 0, nil
	case KeyTypeHMACSHA1:
		return sha1.Size, nil
	case KeyTypeHMACSHA256:
		return sha256.Size, nil
	default:
		return 0, fmt.Errorf("key type %d: %w", kt, ErrUnknownKeyType)
	}
}

// authHasher returns the HMAC constructor for the key type.
func authHasher(kt KeyType) (func() hash.Hash, error) {
	switch kt {
	case KeyTypeHMACSHA1:
		return sha1.New, nil
	case KeyTypeHMACSHA256:
		return sha256.New, nil
	default:
		return nil, fmt.Errorf("key type %d: %w", kt, ErrUnknownKeyType)
	}
}

// ComputeAuthData computes the authentication data over msg with the auth
// data field (msg[authOff : authOff+authLen]) zeroed, keyed by the
// pre-shared ASCII secret (RFC 6833 Section 4.3). The caller must have
// reserved the auth field in msg; the computed MAC is written in place
// and also returned.
func ComputeAuthData(msg []byte, authOff int, kt KeyType, key string) ([]byte, error) {
	newHash, err := authHasher(kt)
	if err != nil {
		return nil, err
	}
	alen, _ := AuthDataLen(kt)
	if authOff+alen > len(msg) {
		return nil, fmt.Errorf("auth field [%d:%d] outside message of %d bytes: %w",
			authOff, authOff+alen, len(msg), ErrMalformedMessage)
	}

	for i := authOff; i < authOff+alen; i++ {
		msg[i] = 0
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write(msg)
	sum := mac.Sum(nil)
	copy(msg[authOff:authOff+alen], sum)
	return sum[:alen], nil
}

// VerifyAuthData checks the authentication data of a received message.
// The received MAC is copied out, the field zeroed, and the MAC
// recomputed; comparison is constant-time.
func VerifyAuthData(msg []byte, authOff int, kt KeyType, key string) error {
	alen, err := AuthDataLen(kt)
	if err != nil {
		return err
	}
	if authOff+alen > len(msg) {
		return fmt.Errorf("auth field [%d:%d] outside message of %d bytes: %w",
			authOff, authOff+alen, len(msg), ErrMalformedMessage)
	}

	received := make([]byte, alen)
	copy(received, msg[authOff:authOff+alen])

	computed, err := ComputeAuthData(msg, authOff, kt, key)
	if err != nil {
		return err
	}
	// Restore the wire bytes so the caller's buffer is unchanged.
	copy(msg[authOff:authOff+alen], received)

	if !hmac.Equal(received, computed) {
		return ErrAuthFailure
	}
	return nil
}
