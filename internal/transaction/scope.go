package transaction

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/datawire/resolved/internal/errcat"
)

// queryTimeout is the deadline a Scope hands each Transaction for its first
// attempt; the retry after a timeout gets a further 2 seconds.
const queryTimeout = 3 * time.Second

// Scope is a query-routing domain; the Manager owns exactly one, the
// unicast scope. Scope is the authoritative owner of the transaction table
// keyed by 16-bit DNS ID; the Manager only ever reaches it through Deliver.
type Scope struct {
	mu     sync.Mutex
	byID   map[uint16]*Transaction
	sender Sender
	rng    *rand.Rand
}

// NewScope creates a Scope bound to sender, the collaborator it asks to
// actually put bytes on the wire.
func NewScope(sender Sender) *Scope {
	return &Scope{
		byID:   make(map[uint16]*Transaction),
		sender: sender,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send allocates a fresh transaction ID, stamps it into the first two bytes
// of question (the DNS header ID field), registers the transaction, sends
// it via the bound Sender against the current server, and waits for a
// correlated reply or timeout. The transaction is removed from the table
// before Send returns.
func (s *Scope) Send(ctx context.Context, question []byte) ([]byte, error) {
	if len(question) < 2 {
		return nil, errcat.InvalidInput.Newf("question too short to carry a transaction id (%d bytes)", len(question))
	}
	server, ok := s.sender.CurrentServer()
	if !ok {
		return nil, errcat.NotFound.Newf("no upstream dns server configured")
	}

	id := s.allocateID()
	question[0] = byte(id >> 8)
	question[1] = byte(id)

	t := newTransaction(id, server, 0, queryTimeout)
	s.mu.Lock()
	s.byID[id] = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.byID, id)
		s.mu.Unlock()
	}()

	return t.Await(ctx, s.sender, question)
}

// Deliver routes packet to the transaction registered under id, if any.
// Exactly one reply is ever delivered to a given transaction; a miss is
// reported so the Manager can log-and-drop, never treated as fatal.
func (s *Scope) Deliver(id uint16, packet []byte) error {
	s.mu.Lock()
	t := s.byID[id]
	s.mu.Unlock()
	if t == nil {
		return errcat.NotFound.Newf("no transaction for id %04x", id)
	}
	t.Deliver(packet)
	return nil
}

// allocateID picks a random ID not already in use, so concurrent-looking
// queries from the bus don't collide. The table is small in practice, so a
// retry loop is simpler and plenty fast compared to a free-list.
func (s *Scope) allocateID() uint16 {
	for {
		id := uint16(s.rng.Intn(1 << 16))
		s.mu.Lock()
		_, taken := s.byID[id]
		s.mu.Unlock()
		if !taken {
			return id
		}
	}
}
