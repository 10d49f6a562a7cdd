package dhcontroltest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/datahub-ipc/datahub/pkg/dhcontrol"
	"github.com/datahub-ipc/datahub/pkg/dhcontrol/dhcontroltest"
)

func Test_Register_Then_Lookup_Roundtrips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := dhcontroltest.New()

	info := dhcontrol.ChannelInfo{
		ChannelName:        "orders",
		SegmentName:        "/tmp/orders.dhb",
		SharedSecret:       0xC0FFEE,
		RingBufferCapacity: 16,
		LogicalUnitSize:    128,
	}

	if err := reg.Register(ctx, info); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, err := reg.Lookup(ctx, "orders")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	if got != info {
		t.Fatalf("Lookup()=%+v, want %+v", got, info)
	}
}

func Test_Register_Rejects_Duplicate_Channel_Name(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := dhcontroltest.New()

	info := dhcontrol.ChannelInfo{ChannelName: "orders"}

	if err := reg.Register(ctx, info); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	err := reg.Register(ctx, info)
	if !errors.Is(err, dhcontrol.ErrChannelExists) {
		t.Fatalf("second Register() error = %v, want ErrChannelExists", err)
	}
}

func Test_Lookup_Unknown_Channel_Returns_ErrChannelNotFound(t *testing.T) {
	t.Parallel()

	_, err := dhcontroltest.New().Lookup(context.Background(), "missing")
	if !errors.Is(err, dhcontrol.ErrChannelNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrChannelNotFound", err)
	}
}

func Test_Heartbeat_Unknown_Channel_Returns_ErrChannelNotFound(t *testing.T) {
	t.Parallel()

	err := dhcontroltest.New().Heartbeat(context.Background(), "missing")
	if !errors.Is(err, dhcontrol.ErrChannelNotFound) {
		t.Fatalf("Heartbeat() error = %v, want ErrChannelNotFound", err)
	}
}

func Test_Deregister_Then_ListChannels_Excludes_It(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := dhcontroltest.New()

	if err := reg.Register(ctx, dhcontrol.ChannelInfo{ChannelName: "a"}); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}

	if err := reg.Register(ctx, dhcontrol.ChannelInfo{ChannelName: "b"}); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}

	if err := reg.Deregister(ctx, "a"); err != nil {
		t.Fatalf("Deregister(a) error = %v", err)
	}

	names, err := reg.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels() error = %v", err)
	}

	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("ListChannels()=%v, want [b]", names)
	}
}

func Test_Deregister_Unknown_Channel_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	if err := dhcontroltest.New().Deregister(context.Background(), "missing"); err != nil {
		t.Fatalf("Deregister() error = %v, want nil", err)
	}
}
