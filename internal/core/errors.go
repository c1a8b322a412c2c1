// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared across packages, wrapped with fmt.Errorf("...: %w").
var (
	// Packet decoding errors
	ErrUnknownPacket   = errors.New("custody: unknown packet")
	ErrMalformedPacket = errors.New("custody: malformed packet")

	// Signature errors
	ErrBadSignature = errors.New("custody: signature verification failed")
	ErrNoTrustedKey = errors.New("custody: no trusted key established")

	// Key management errors
	ErrMissingIdentity = errors.New("custody: missing device identity")
	ErrKeyStoreLocked  = errors.New("custody: key store could not be unlocked")

	// Configuration errors
	ErrConfigInvalid = errors.New("custody: invalid configuration")
)
