// Package gateway implements the per-connection glue between the IRC
// codec, the Matrix room-state store and the wire: the IRC channel
// lifecycle (C4), IRC connection state (C5) and the session that ties
// the sync loop to channel delivery and IRC command dispatch.
package gateway

import "errors"

// Error kinds the core distinguishes (§7), checked with errors.Is so
// callers can branch on kind rather than message text.
var (
	ErrMalformedLine  = errors.New("gateway: malformed line")
	ErrUnknownChannel = errors.New("gateway: unknown channel")
	ErrNotJoined      = errors.New("gateway: not joined")
	ErrDuplicateEvent = errors.New("gateway: duplicate event")
)
