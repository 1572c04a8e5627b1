// Package selector decides which backend a new emulator should be placed on.
// Placement prefers the backend where the requesting token has the most
// headroom, so load drains toward freshly freed capacity, and breaks ties
// with a rotation cursor so equally loaded backends are filled evenly instead
// of the first one always winning.
package selector // import "github.com/osworld-broker/broker/selector"

import (
	"sync"

	"github.com/osworld-broker/broker/quota"
	"github.com/osworld-broker/broker/registry"
	"github.com/osworld-broker/broker/types"
)

// Selector chooses placement targets. A Selector must be created with New.
type Selector struct {
	ledger *quota.Ledger

	// lock guards the rotation cursor.
	lock sync.Mutex

	// next is the rotation cursor used to break headroom ties.
	next int
}

// New creates a selector that consults the given ledger for headroom.
func New(ledger *quota.Ledger) *Selector {
	return &Selector{ledger: ledger}
}

// Choose picks the backend the next emulator for `token` should be placed
// on, out of the given candidates. It returns a *quota.LimitExceededError if
// the token has no headroom on any candidate.
//
// The choice is advisory: headroom is read outside the admission lock, so the
// caller must still run the chosen backend through the ledger's TryAdmit and
// retry with the remaining candidates if that fails.
func (s *Selector) Choose(token types.QuotaToken, candidates []*registry.Backend) (*registry.Backend, error) {
	// Find the maximum headroom across the candidates, then collect every
	// candidate sitting at that maximum.
	best := 0
	var tied []*registry.Backend
	for _, b := range candidates {
		headroom := s.ledger.Headroom(token, b.ID())
		if headroom <= 0 {
			continue
		}
		if headroom > best {
			best = headroom
			tied = tied[:0]
		}
		if headroom == best {
			tied = append(tied, b)
		}
	}

	if len(tied) == 0 {
		return nil, &quota.LimitExceededError{Token: token}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	chosen := tied[s.next%len(tied)]
	s.next++
	return chosen, nil
}
