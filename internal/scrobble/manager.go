package scrobble

import (
	"errors"
	"fmt"
	"sync"
)

// Service is the interface implemented by every scrobbling backend.
type Service interface {
	// ID returns a unique identifier for this service instance.
	ID() string
	// Name returns a human-readable name for the service.
	Name() string

	// Start loads pending scrobbles and starts background submission.
	Start() error
	// Stop halts submission and persists pending scrobbles.
	Stop() error
	// Started reports whether the service is running.
	Started() bool

	// Enqueue queues a finished play. When durable is set the record is also
	// appended to the data file right away.
	Enqueue(rec Record, durable bool) error
	// PendingCount returns the number of queued scrobbles.
	PendingCount() int
}

// NowPlayingNotifier is implemented by services that report the track
// currently playing.
type NowPlayingNotifier interface {
	NotifyNowPlaying(track Track)
}

// Manager coordinates multiple services, fanning out events to each of them.
type Manager struct {
	mu       sync.RWMutex
	services []Service
}

// NewManager creates a new service manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service to the manager.
func (m *Manager) Register(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, s)
}

// Services returns all registered services.
func (m *Manager) Services() []Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Service, len(m.services))
	copy(result, m.services)
	return result
}

// StartedCount returns the number of running services.
func (m *Manager) StartedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.services {
		if s.Started() {
			count++
		}
	}
	return count
}

// StartAll starts every registered service. A service that fails to start
// does not prevent the others from starting.
func (m *Manager) StartAll() error {
	var errs []error
	for _, s := range m.Services() {
		if err := s.Start(); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every registered service, persisting their queues.
func (m *Manager) StopAll() error {
	var errs []error
	for _, s := range m.Services() {
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// NowPlaying reports the current track to every service that supports it.
// It never blocks on the network.
func (m *Manager) NowPlaying(track Track) {
	for _, s := range m.Services() {
		if n, ok := s.(NowPlayingNotifier); ok && s.Started() {
			n.NotifyNowPlaying(track)
		}
	}
}

// Scrobble queues a finished play on every running service.
func (m *Manager) Scrobble(rec Record, durable bool) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, s := range m.Services() {
		if !s.Started() {
			continue
		}
		if err := s.Enqueue(rec, durable); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// TotalPendingCount returns total pending scrobbles across all services.
func (m *Manager) TotalPendingCount() int {
	total := 0
	for _, s := range m.Services() {
		total += s.PendingCount()
	}
	return total
}
