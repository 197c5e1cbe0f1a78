package io

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrChannelExists   = errors.New("channel already registered")
	ErrChannelNotFound = errors.New("channel not found")
	ErrIncompatible    = errors.New("channel incompatible with step period")
)

// ChannelOptions parameterize a channel pair for one host loop.
type ChannelOptions struct {
	Period       time.Duration
	CmPF         float64
	LJPMV        float64
	RestingVolts float64
}

type CompatibilityFn func(period time.Duration) error

type ChannelFactory func(opts ChannelOptions) (VoltageInput, CurrentOutput, error)

// ChannelSpec describes a registered channel. Compatible, when set, vetoes
// step periods the channel cannot serve.
type ChannelSpec struct {
	Name       string
	Factory    ChannelFactory
	Compatible CompatibilityFn
}

type registeredChannel struct {
	factory    ChannelFactory
	compatible CompatibilityFn
}

var channelRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredChannel
}{
	m: make(map[string]registeredChannel),
}

func RegisterChannel(name string, factory ChannelFactory) error {
	return RegisterChannelWithSpec(ChannelSpec{Name: name, Factory: factory})
}

func RegisterChannelWithSpec(spec ChannelSpec) error {
	if spec.Name == "" {
		return errors.New("channel name is required")
	}
	if spec.Factory == nil {
		return errors.New("channel factory is required")
	}

	channelRegistry.mu.Lock()
	defer channelRegistry.mu.Unlock()

	if _, exists := channelRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrChannelExists, spec.Name)
	}
	channelRegistry.m[spec.Name] = registeredChannel{
		factory:    spec.Factory,
		compatible: spec.Compatible,
	}
	return nil
}

// ResolveChannel builds the input and output ends of a registered channel.
// Aliases are accepted.
func ResolveChannel(name string, opts ChannelOptions) (VoltageInput, CurrentOutput, error) {
	entry, resolvedName, ok := findRegisteredChannel(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if err := channelCompatibilityError(resolvedName, entry, opts.Period); err != nil {
		return nil, nil, err
	}
	return entry.factory(opts)
}

func ChannelCompatibleWithPeriod(name string, period time.Duration) bool {
	entry, resolvedName, ok := findRegisteredChannel(name)
	if !ok {
		return false
	}
	return channelCompatibilityError(resolvedName, entry, period) == nil
}

func ListChannels() []string {
	channelRegistry.mu.RLock()
	defer channelRegistry.mu.RUnlock()

	names := make([]string, 0, len(channelRegistry.m))
	for n := range channelRegistry.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func channelCompatibilityError(name string, entry registeredChannel, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("%w: channel=%s: period must be > 0", ErrIncompatible, name)
	}
	if entry.compatible != nil {
		if err := entry.compatible(period); err != nil {
			return fmt.Errorf("%w: channel=%s: %v", ErrIncompatible, name, err)
		}
	}
	return nil
}

func findRegisteredChannel(name string) (registeredChannel, string, bool) {
	lookupName := strings.TrimSpace(name)
	if lookupName == "" {
		return registeredChannel{}, "", false
	}

	channelRegistry.mu.RLock()
	defer channelRegistry.mu.RUnlock()

	if entry, ok := channelRegistry.m[lookupName]; ok {
		return entry, lookupName, true
	}

	canonicalName := CanonicalChannelName(lookupName)
	if canonicalName != "" && canonicalName != lookupName {
		if entry, ok := channelRegistry.m[canonicalName]; ok {
			return entry, canonicalName, true
		}
	}
	return registeredChannel{}, "", false
}

func resetRegistryForTests() {
	channelRegistry.mu.Lock()
	channelRegistry.m = make(map[string]registeredChannel)
	channelRegistry.mu.Unlock()

	initializeDefaultChannels()
}
