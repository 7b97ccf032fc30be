package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	mem := NewMemory()
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestStoreKV(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "candle/BTCUSD/1m/a", []byte("1")))
			require.NoError(t, s.Set(ctx, "candle/BTCUSD/1m/b", []byte("2")))
			require.NoError(t, s.Set(ctx, "candle/BTCUSD/1m/a", []byte("3")))
			require.NoError(t, s.Set(ctx, "instance/x", []byte("4")))

			v, err := s.Get(ctx, "candle/BTCUSD/1m/a")
			require.NoError(t, err)
			assert.Equal(t, []byte("3"), v)

			keys, err := s.Keys(ctx, "candle/")
			require.NoError(t, err)
			assert.Equal(t, []string{"candle/BTCUSD/1m/a", "candle/BTCUSD/1m/b"}, keys)

			require.NoError(t, s.Delete(ctx, "candle/BTCUSD/1m/a"))
			_, err = s.Get(ctx, "candle/BTCUSD/1m/a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorePubSub(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancelCtx := context.WithCancel(context.Background())
			defer cancelCtx()

			ch, cancel, err := s.Subscribe(ctx, "candles")
			require.NoError(t, err)

			require.NoError(t, s.Publish(ctx, "other", []byte("x")))
			require.NoError(t, s.Publish(ctx, "candles", []byte("c1")))

			select {
			case msg := <-ch:
				assert.Equal(t, []byte("c1"), msg)
			case <-time.After(time.Second):
				t.Fatal("no message delivered")
			}

			cancel()
			_, ok := <-ch
			assert.False(t, ok, "channel should be closed after cancel")
			cancel() // idempotent
		})
	}
}

func TestStoreSubscriptionEndsWithContext(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := s.Subscribe(ctx, "events")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	s := NewMemory()
	_, _, err := s.Subscribe(context.Background(), "ticks")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subBuffer*4; i++ {
			_ = s.Publish(context.Background(), "ticks", []byte("t"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
