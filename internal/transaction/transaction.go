// Package transaction implements the per-query retry state machine and the
// query-routing domain the Manager depends on but does not own: a table of
// in-flight queries keyed by an identifier, handed out and released by its
// owner, with exactly one reply delivered per key.
package transaction

import (
	"context"
	"net"
	"time"

	"github.com/datawire/resolved/internal/errcat"
)

// Sender is the subset of *resolve.Manager a Transaction needs: send a
// packet to a server, and advance the server cursor on sustained failure.
// Scope depends on this interface rather than the concrete Manager type so
// the two packages don't import each other.
type Sender interface {
	Send(ctx context.Context, server Server, ifindex int, packet []byte) error
	CurrentServer() (Server, bool)
	AdvanceServer() (Server, bool)
}

// Server is the minimal view of a resolve.DnsServer a Transaction needs:
// enough to log and to pass back into Sender.Send.
type Server struct {
	Family  int
	Address net.IP
}

// maxRetries bounds the one retry a Transaction gets before it advances the
// server and reports timeout to the caller.
const maxRetries = 1

// Transaction is one outstanding query awaiting a reply, identified by the
// 16-bit DNS header ID it was sent with.
type Transaction struct {
	ID       uint16
	server   Server
	ifindex  int
	deadline time.Time
	replyCh  chan []byte
}

func newTransaction(id uint16, server Server, ifindex int, timeout time.Duration) *Transaction {
	return &Transaction{
		ID:       id,
		server:   server,
		ifindex:  ifindex,
		deadline: time.Now().Add(timeout),
		replyCh:  make(chan []byte, 1),
	}
}

// Deliver hands packet to the transaction's single-shot reply channel. It
// is called from the Manager's UDP recv callback after a transaction-table
// hit; delivering twice would block forever on an unbuffered channel, so
// the channel is buffered to 1 and a second Deliver silently drops (the
// first reply wins, matching "exactly one reply(P) is delivered").
func (t *Transaction) Deliver(packet []byte) {
	select {
	case t.replyCh <- packet:
	default:
	}
}

// Await sends packet and blocks for a reply. On a timeout it retries once
// against the same server; if the retry also times out it advances the
// server cursor once and returns the timeout. Cancelling ctx ends the wait.
func (t *Transaction) Await(ctx context.Context, sender Sender, packet []byte) ([]byte, error) {
	attempt := func() ([]byte, error) {
		if err := sender.Send(ctx, t.server, t.ifindex, packet); err != nil {
			return nil, err
		}
		timer := time.NewTimer(time.Until(t.deadline))
		defer timer.Stop()
		select {
		case reply := <-t.replyCh:
			return reply, nil
		case <-timer.C:
			return nil, errcat.TimedOut.Newf("transaction %04x: no reply from %s", t.ID, t.server.Address)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		reply, err := attempt()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if errcat.Is(err, errcat.TimedOut) {
			if i == maxRetries {
				// Sustained failure against this server: rotate the cursor.
				sender.AdvanceServer()
				break
			}
			t.deadline = time.Now().Add(time.Until(t.deadline) + 2*time.Second)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}
