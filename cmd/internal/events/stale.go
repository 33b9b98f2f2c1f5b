package events

import (
	"strings"
	"sync"
)

// Cached collections invalidated by notifications.
const (
	CollectionNotifications  = "notifications"
	CollectionLoans          = "loans"
	CollectionCards          = "cards"
	CollectionDeposits       = "deposits"
	CollectionKYC            = "kyc"
	CollectionSupportTickets = "support_tickets"
	CollectionAccounts       = "accounts"
	CollectionTransactions   = "transactions"
)

var typePrefixes = []struct {
	prefix     string
	collection string
}{
	{"loan_", CollectionLoans},
	{"card_", CollectionCards},
	{"deposit_", CollectionDeposits},
	{"kyc_", CollectionKYC},
	{"support_", CollectionSupportTickets},
	{"account_", CollectionAccounts},
	{"transaction_", CollectionTransactions},
	{"transfer_", CollectionTransactions},
}

// CollectionsFor returns the collections a notification type invalidates.
// The notification list itself is always included.
func CollectionsFor(notificationType string) []string {
	out := []string{CollectionNotifications}
	t := strings.ToLower(strings.TrimSpace(notificationType))
	for _, p := range typePrefixes {
		if strings.HasPrefix(t, p.prefix) {
			out = append(out, p.collection)
		}
	}
	return out
}

// StaleSet tracks a generation per cached collection. A reader remembers the
// generation it loaded at and refetches once IsStale reports true.
type StaleSet struct {
	mu   sync.RWMutex
	gens map[string]uint64
}

func NewStaleSet() *StaleSet {
	return &StaleSet{gens: make(map[string]uint64)}
}

// MarkStale bumps the generation of each key.
func (s *StaleSet) MarkStale(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.gens[k]++
	}
}

// Generation returns the current generation of key (0 if never marked).
func (s *StaleSet) Generation(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[key]
}

// IsStale reports whether key changed after generation seen.
func (s *StaleSet) IsStale(key string, seen uint64) bool {
	return s.Generation(key) > seen
}
