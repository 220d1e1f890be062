package transaction_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/resolved/internal/transaction"
)

type fakeSender struct {
	servers []transaction.Server
	cur     int
	sent    chan []byte
}

func newFakeSender(servers ...transaction.Server) *fakeSender {
	return &fakeSender{servers: servers, sent: make(chan []byte, 8)}
}

func (f *fakeSender) Send(ctx context.Context, server transaction.Server, ifindex int, packet []byte) error {
	cp := append([]byte(nil), packet...)
	f.sent <- cp
	return nil
}

func (f *fakeSender) CurrentServer() (transaction.Server, bool) {
	if len(f.servers) == 0 {
		return transaction.Server{}, false
	}
	return f.servers[f.cur], true
}

func (f *fakeSender) AdvanceServer() (transaction.Server, bool) {
	if len(f.servers) == 0 {
		return transaction.Server{}, false
	}
	f.cur = (f.cur + 1) % len(f.servers)
	return f.servers[f.cur], true
}

// Reply routing.
func TestScopeDeliverRoutesReply(t *testing.T) {
	sender := newFakeSender(transaction.Server{Address: net.ParseIP("1.1.1.1")})
	scope := transaction.NewScope(sender)

	question := make([]byte, 12)
	done := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		reply, err := scope.Send(context.Background(), question)
		errCh <- err
		done <- reply
	}()

	sentPacket := <-sender.sent
	require.Len(t, sentPacket, 12)
	id := uint16(sentPacket[0])<<8 | uint16(sentPacket[1])

	reply := []byte{byte(id >> 8), byte(id), 0, 0}
	require.NoError(t, scope.Deliver(id, reply))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send never returned")
	}
	assert.Equal(t, reply, <-done)
}

// Unknown reply.
func TestScopeDeliverUnknownID(t *testing.T) {
	sender := newFakeSender(transaction.Server{Address: net.ParseIP("1.1.1.1")})
	scope := transaction.NewScope(sender)
	err := scope.Deliver(0x4242, []byte{0x42, 0x42})
	assert.Error(t, err)
}

func TestScopeSendNoServerConfigured(t *testing.T) {
	sender := newFakeSender()
	scope := transaction.NewScope(sender)
	_, err := scope.Send(context.Background(), make([]byte, 12))
	assert.Error(t, err)
}
