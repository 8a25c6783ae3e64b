package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stokraf-backend/internal/logging"
	"stokraf-backend/internal/models"
	"stokraf-backend/internal/store"
)

func receive(t *testing.T, ch <-chan models.ChangeNotification) models.ChangeNotification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return models.ChangeNotification{}
}

func TestBrokerDeliversInOrderToEverySubscriber(t *testing.T) {
	b := NewBroker(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := b.Subscribe(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, store.ChangeFilter{})
	require.NoError(t, err)

	for _, day := range []string{"2026-03-10", "2026-03-11", "2026-03-12"} {
		require.NoError(t, b.Publish(ctx, models.ChangeNotification{EventType: models.ChangeUpdate, Day: day}))
	}

	for _, ch := range []<-chan models.ChangeNotification{a, c} {
		assert.Equal(t, "2026-03-10", receive(t, ch).Day)
		assert.Equal(t, "2026-03-11", receive(t, ch).Day)
		assert.Equal(t, "2026-03-12", receive(t, ch).Day)
	}
}

func TestBrokerFiltersByDay(t *testing.T) {
	b := NewBroker(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, store.ChangeFilter{Day: "2026-03-10"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, models.ChangeNotification{EventType: models.ChangeUpdate, Day: "2026-03-09"}))
	require.NoError(t, b.Publish(ctx, models.ChangeNotification{EventType: models.ChangeInsert, Day: "2026-03-10"}))

	assert.Equal(t, models.ChangeInsert, receive(t, ch).EventType)
}

func TestBrokerSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroker(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, store.ChangeFilter{})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Publish(ctx, models.ChangeNotification{EventType: models.ChangeUpdate}))
	}
	for i := 0; i < 1000; i++ {
		receive(t, ch)
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := NewBroker(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker(logging.Discard())
	ch, err := b.Subscribe(context.Background(), store.ChangeFilter{})
	require.NoError(t, err)

	b.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
	assert.ErrorIs(t, b.Publish(context.Background(), models.ChangeNotification{}), ErrClosed)
	_, err = b.Subscribe(context.Background(), store.ChangeFilter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBrokerDisconnectKeepsBrokerOpen(t *testing.T) {
	b := NewBroker(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old, err := b.Subscribe(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Disconnect())

	select {
	case _, ok := <-old:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Disconnect")
	}

	fresh, err := b.Subscribe(ctx, store.ChangeFilter{})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, models.ChangeNotification{EventType: models.ChangeUpdate, Day: "2026-03-10"}))
	assert.Equal(t, "2026-03-10", receive(t, fresh).Day)
}
