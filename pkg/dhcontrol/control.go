// Package dhcontrol defines the control-plane boundary a DataHub producer
// or consumer uses to rendezvous on a named channel before attaching to
// the underlying shared segment (spec §6.2). It is a pure interface
// package: no transport is implemented here, matching spec.md's
// Non-goals (cross-host transport is explicitly out of scope) while still
// giving the core library a narrow, mockable seam to depend on instead of
// a concrete transport.
package dhcontrol

import (
	"context"
	"errors"
)

// Sentinel errors a Registrar implementation should return, classified
// with errors.Is the way every other DataHub package classifies errors.
var (
	ErrChannelNotFound = errors.New("dhcontrol: channel not found")
	ErrChannelExists   = errors.New("dhcontrol: channel already registered")
	ErrSecretMismatch  = errors.New("dhcontrol: shared secret mismatch")
	ErrSchemaMismatch  = errors.New("dhcontrol: schema hash mismatch")
	ErrUnavailable     = errors.New("dhcontrol: registrar unavailable")
)

// ChannelInfo is the rendezvous record a producer publishes and a
// consumer looks up: enough to attach to the shared segment without any
// out-of-band configuration.
type ChannelInfo struct {
	ChannelName        string
	SegmentName        string
	SharedSecret       uint64
	FlexZoneSchemaHash [32]byte
	SlotSchemaHash     [32]byte
	RingBufferCapacity uint32
	LogicalUnitSize    uint32
}

// Registrar is the control-plane boundary. Implementations might be
// backed by a local registry file, a lightweight RPC service, or (as in
// tests) an in-memory map — DataHub's core only ever depends on this
// interface.
type Registrar interface {
	// Register publishes a new channel's rendezvous info. Returns
	// ErrChannelExists if channelName is already registered.
	Register(ctx context.Context, info ChannelInfo) error

	// Lookup resolves a channel name to its rendezvous info. Returns
	// ErrChannelNotFound if unknown.
	Lookup(ctx context.Context, channelName string) (ChannelInfo, error)

	// Heartbeat refreshes the registrar's liveness record for the
	// producer owning channelName, independent of the in-segment
	// heartbeat table (this is about the channel existing at all, not
	// about any one consumer's liveness).
	Heartbeat(ctx context.Context, channelName string) error

	// Deregister removes a channel's rendezvous info. Safe to call on an
	// unknown channel (no error).
	Deregister(ctx context.Context, channelName string) error

	// ListChannels returns every currently registered channel name.
	ListChannels(ctx context.Context) ([]string, error)
}
