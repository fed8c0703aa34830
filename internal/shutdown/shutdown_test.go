package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownRunsCallbacksInLIFOOrder(t *testing.T) {
	c := New(nil)
	var order []string
	c.Register("first", func() { order = append(order, "first") })
	c.Register("second", func() { order = append(order, "second") })

	c.Shutdown()

	require.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownRunsOnlyOnce(t *testing.T) {
	c := New(nil)
	calls := 0
	c.Register("once", func() { calls++ })

	c.Shutdown()
	c.Shutdown()

	require.Equal(t, 1, calls)
}

type fakeCloser struct{ err error }

func (f *fakeCloser) Close() error { return f.err }

func TestRegisterCloserLogsButDoesNotPanic(t *testing.T) {
	c := New(nil)
	c.RegisterCloser("broken", &fakeCloser{err: errors.New("boom")})
	require.NotPanics(t, func() { c.Shutdown() })
}

func TestInterruptibleContextCancelFuncStopsListening(t *testing.T) {
	c := New(nil)
	ctx, cancel := c.InterruptibleContext(context.Background())
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not canceled")
	}
}
