//go:build linux

package reactor_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/datawire/resolved/internal/reactor"
)

func TestRegisterFiresOnReadable(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	defer r.Close()

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()

	fired := make(chan struct{}, 1)
	require.NoError(t, r.Register(int(rd.Fd()), func(ctx context.Context) error {
		buf := make([]byte, 1)
		_, _ = rd.Read(buf)
		fired <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err = wr.Write([]byte{1})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	defer r.Close()

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()

	calls := 0
	require.NoError(t, r.Register(int(rd.Fd()), func(ctx context.Context) error {
		calls++
		buf := make([]byte, 1)
		_, _ = rd.Read(buf)
		return nil
	}))
	require.NoError(t, r.Unregister(int(rd.Fd())))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err = wr.Write([]byte{1})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancel")
	}
	require.Equal(t, 0, calls)
}
