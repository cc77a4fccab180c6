// Package lisp implements the LISP control-plane protocol core
// (RFC 6830/6833): the address algebra including LCAF extensions
// (RFC 8060), locators and mappings, the control message codec,
// Map-Register/Notify authentication, and nonce handling.
package lisp
