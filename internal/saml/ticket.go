package saml

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TicketStore holds pending login tickets between the ACS redirect and the
// token exchange. Consumption is atomic: exactly one caller wins.
type TicketStore interface {
	// Put registers a ticket with its user reference and expiry.
	Put(id string, userRef string, ttl time.Duration)

	// ConsumeIfPresent removes and returns the ticket in one step. The
	// second return is false when the ticket is absent, expired, or was
	// already consumed.
	ConsumeIfPresent(id string) (string, bool)

	// Close stops background maintenance.
	Close()
}

type ticketEntry struct {
	userRef   string
	expiresAt time.Time
}

// MemoryTicketStore is the in-process TicketStore. A background sweeper
// evicts expired entries so abandoned logins do not accumulate.
type MemoryTicketStore struct {
	mu        sync.Mutex
	entries   map[string]ticketEntry
	clock     clockwork.Clock
	stopSweep chan struct{}
	closeOnce sync.Once
}

// NewMemoryTicketStore creates a ticket store sweeping at the given interval.
func NewMemoryTicketStore(clock clockwork.Clock, sweepInterval time.Duration) *MemoryTicketStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &MemoryTicketStore{
		entries:   make(map[string]ticketEntry),
		clock:     clock,
		stopSweep: make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

func (s *MemoryTicketStore) Put(id string, userRef string, ttl time.Duration) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = ticketEntry{
		userRef:   userRef,
		expiresAt: s.clock.Now().Add(ttl),
	}
}

func (s *MemoryTicketStore) ConsumeIfPresent(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return "", false
	}
	// Always remove: expired tickets are dead either way.
	delete(s.entries, id)

	if !s.clock.Now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.userRef, true
}

// Len reports the number of live entries, expired ones included until swept.
func (s *MemoryTicketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryTicketStore) Close() {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
	})
}

func (s *MemoryTicketStore) sweep(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			now := s.clock.Now()
			s.mu.Lock()
			for id, entry := range s.entries {
				if !now.Before(entry.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		case <-s.stopSweep:
			return
		}
	}
}
