package delivery

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"channelverify/internal/entity"

	"github.com/sirupsen/logrus"
)

// Args are backend construction parameters, passed through from configuration.
type Args map[string]string

func (a Args) Get(key string, fallback string) string {
	if value, ok := a[key]; ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

type Factory func(args Args) (Backend, error)

type registryKey struct {
	channel entity.ChannelKind
	name    string
}

// Registry maps a configured backend identifier to a constructor. Every
// registration is bound to one channel kind, so an SMS backend can never be
// resolved for an email token.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

// DefaultRegistry knows every transport shipped with the service.
func DefaultRegistry(logger logrus.FieldLogger) *Registry {
	r := NewRegistry()
	r.Register(entity.ChannelPhone, "mobizon", func(args Args) (Backend, error) {
		return NewMobizonBackend(args, logger)
	})
	r.Register(entity.ChannelEmail, "smtp", func(args Args) (Backend, error) {
		return NewSMTPBackend(args)
	})
	r.Register(entity.ChannelEmail, "resend", func(args Args) (Backend, error) {
		return NewResendBackend(args)
	})
	memory := func(Args) (Backend, error) {
		return NewMemoryBackend(), nil
	}
	r.Register(entity.ChannelPhone, "memory", memory)
	r.Register(entity.ChannelEmail, "memory", memory)
	return r
}

func (r *Registry) Register(channel entity.ChannelKind, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{channel: channel, name: normalizeName(name)}] = factory
}

func (r *Registry) Resolve(channel entity.ChannelKind, name string, args Args) (Backend, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrBackendResolution, channel)
	}
	r.mu.RLock()
	factory, ok := r.factories[registryKey{channel: channel, name: normalizeName(name)}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q is not registered for %s (known: %s)",
			ErrBackendResolution, name, channel, strings.Join(r.Names(channel), ", "))
	}
	backend, err := factory(args)
	if err != nil {
		return nil, fmt.Errorf("%w: construct %s backend %q: %v", ErrBackendResolution, channel, name, err)
	}
	return backend, nil
}

func (r *Registry) Names(channel entity.ChannelKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for key := range r.factories {
		if key.channel == channel {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
