// Package quota implements the admission ledger for the broker. The ledger
// tracks, per quota token and per backend, how many emulators the token
// currently holds, and enforces a per-backend limit with an atomic
// check-and-increment so that concurrent requests can never overcommit a
// backend.
package quota // import "github.com/osworld-broker/broker/quota"

import (
	"sync"

	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"

	logger "github.com/osworld-broker/broker/brokerlogger"
)

// LimitExceededError is returned by TryAdmit when a token is at its limit on
// the requested backend. Its message deliberately contains the phrase "quota
// exceeded", which clients match on.
type LimitExceededError struct {
	Token   types.QuotaToken
	Backend types.BackendID
}

func (e *LimitExceededError) Error() string {
	if e.Backend == "" {
		return utils.Sprintf("quota exceeded for token %s", e.Token)
	}
	return utils.Sprintf("quota exceeded for token %s on backend %s", e.Token, e.Backend)
}

// StatusCode makes the error map to 429 Too Many Requests on the HTTP
// surface.
func (e *LimitExceededError) StatusCode() int {
	return 429
}

// Usage is a point-in-time snapshot of a token's admissions.
type Usage struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// tokenEntry holds the ledger state for one quota token. Each entry has its
// own lock so the check-and-increment for one token never blocks admissions
// for another.
type tokenEntry struct {
	sync.Mutex

	// limit is the per-backend admission limit for this token.
	limit int

	// held maps each backend to the number of emulators this token currently
	// holds there.
	held map[types.BackendID]int
}

// Ledger is the quota ledger. A Ledger must be created with NewLedger.
type Ledger struct {
	// defaultLimit is applied to tokens the first time they are seen.
	defaultLimit int

	// lock guards the tokens map itself, not the entries inside it.
	lock sync.Mutex

	tokens map[types.QuotaToken]*tokenEntry
}

// NewLedger creates an empty ledger. Tokens that have not had an explicit
// limit set via SetLimit get defaultLimit on each backend.
func NewLedger(defaultLimit int) *Ledger {
	return &Ledger{
		defaultLimit: defaultLimit,
		tokens:       make(map[types.QuotaToken]*tokenEntry),
	}
}

// entry returns the ledger entry for the given token, creating it with the
// default limit if it does not exist yet.
func (l *Ledger) entry(token types.QuotaToken) *tokenEntry {
	l.lock.Lock()
	defer l.lock.Unlock()

	e, ok := l.tokens[token]
	if !ok {
		e = &tokenEntry{
			limit: l.defaultLimit,
			held:  make(map[types.BackendID]int),
		}
		l.tokens[token] = e
	}
	return e
}

// TryAdmit performs the atomic check-and-increment for one admission of
// `token` on `backend`. It returns nil if the admission was granted, and a
// *LimitExceededError if the token is already at its limit on that backend.
// The ledger state is unchanged on denial.
func (l *Ledger) TryAdmit(token types.QuotaToken, backend types.BackendID) error {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	if e.held[backend] >= e.limit {
		return &LimitExceededError{Token: token, Backend: backend}
	}

	e.held[backend]++
	return nil
}

// Release returns one admission of `token` on `backend` to the ledger.
// Releasing an admission that was never granted is a no-op with a warning,
// so a double release can never drive the count negative.
func (l *Ledger) Release(token types.QuotaToken, backend types.BackendID) {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	if e.held[backend] <= 0 {
		logger.Warningf("Ignoring release of token %s on backend %s: no admissions held", token, backend)
		return
	}

	e.held[backend]--
}

// SetLimit sets the per-backend limit for `token`. Lowering the limit below
// the current count does not evict running emulators; it only prevents new
// admissions until enough are released.
func (l *Ledger) SetLimit(token types.QuotaToken, limit int) {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	e.limit = limit
}

// Limit returns the per-backend limit for `token`.
func (l *Ledger) Limit(token types.QuotaToken) int {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	return e.limit
}

// Headroom returns how many more admissions `token` can be granted on
// `backend` right now. The value is advisory: by the time the caller acts on
// it another request may have claimed the headroom, so admission always goes
// through TryAdmit.
func (l *Ledger) Headroom(token types.QuotaToken, backend types.BackendID) int {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	headroom := e.limit - e.held[backend]
	if headroom < 0 {
		// Possible after SetLimit lowered the limit below the held count.
		return 0
	}
	return headroom
}

// SnapshotOn returns the usage of `token` on a single backend.
func (l *Ledger) SnapshotOn(token types.QuotaToken, backend types.BackendID) Usage {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	return Usage{Current: e.held[backend], Limit: e.limit}
}

// Snapshot returns the aggregate usage of `token` across the given backends:
// the sum of its admissions, against the sum of its per-backend limits.
func (l *Ledger) Snapshot(token types.QuotaToken, backends []types.BackendID) Usage {
	e := l.entry(token)

	e.Lock()
	defer e.Unlock()

	usage := Usage{Limit: e.limit * len(backends)}
	for _, backend := range backends {
		usage.Current += e.held[backend]
	}
	return usage
}

// Tokens returns every token the ledger has an entry for, in unspecified
// order.
func (l *Ledger) Tokens() []types.QuotaToken {
	l.lock.Lock()
	defer l.lock.Unlock()

	tokens := make([]types.QuotaToken, 0, len(l.tokens))
	for token := range l.tokens {
		tokens = append(tokens, token)
	}
	return tokens
}
