package resolve

import (
	"context"

	"github.com/datawire/resolved/internal/transaction"
)

// managerSender adapts *Manager to transaction.Sender. The transaction
// package cannot import resolve (resolve already imports transaction for
// Scope), so it works against its own minimal Server value instead of
// *DnsServer; this adapter is the translation boundary between the two.
type managerSender struct {
	m *Manager
}

func (a managerSender) Send(ctx context.Context, server transaction.Server, ifindex int, packet []byte) error {
	return a.m.Send(ctx, &DnsServer{Family: Family(server.Family), Address: server.Address}, ifindex, packet)
}

func (a managerSender) CurrentServer() (transaction.Server, bool) {
	s := a.m.CurrentServer()
	if s == nil {
		return transaction.Server{}, false
	}
	return transaction.Server{Family: int(s.Family), Address: s.Address}, true
}

func (a managerSender) AdvanceServer() (transaction.Server, bool) {
	s := a.m.AdvanceServer()
	if s == nil {
		return transaction.Server{}, false
	}
	return transaction.Server{Family: int(s.Family), Address: s.Address}, true
}
