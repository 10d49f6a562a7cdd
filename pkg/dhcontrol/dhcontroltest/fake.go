// Package dhcontroltest provides an in-memory dhcontrol.Registrar for
// tests: a stand-in for a real rendezvous service.
package dhcontroltest

import (
	"context"
	"sync"

	"github.com/datahub-ipc/datahub/pkg/dhcontrol"
)

// Fake is a goroutine-safe, in-memory dhcontrol.Registrar.
type Fake struct {
	mu       sync.Mutex
	channels map[string]dhcontrol.ChannelInfo
}

// New returns an empty Fake registrar.
func New() *Fake {
	return &Fake{channels: make(map[string]dhcontrol.ChannelInfo)}
}

func (f *Fake) Register(_ context.Context, info dhcontrol.ChannelInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.channels[info.ChannelName]; exists {
		return dhcontrol.ErrChannelExists
	}

	f.channels[info.ChannelName] = info

	return nil
}

func (f *Fake) Lookup(_ context.Context, channelName string) (dhcontrol.ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, ok := f.channels[channelName]
	if !ok {
		return dhcontrol.ChannelInfo{}, dhcontrol.ErrChannelNotFound
	}

	return info, nil
}

func (f *Fake) Heartbeat(_ context.Context, channelName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.channels[channelName]; !ok {
		return dhcontrol.ErrChannelNotFound
	}

	return nil
}

func (f *Fake) Deregister(_ context.Context, channelName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.channels, channelName)

	return nil
}

func (f *Fake) ListChannels(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.channels))
	for name := range f.channels {
		names = append(names, name)
	}

	return names, nil
}

var _ dhcontrol.Registrar = (*Fake)(nil)
