package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostinbox/backend/internal/config"
	"hostinbox/backend/internal/domain"
	"hostinbox/backend/internal/storage"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := New(&config.RedisConfig{Address: mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "reservation:ABC123", reservationKey("ABC123"))
	assert.Equal(t, "reservation:conv:123456", conversationIndexKey("123456"))
	assert.Equal(t, "account:host@example.com", accountKey("host@example.com"))
	assert.Equal(t, "claim:host@example.com:m1", claimKey("host@example.com", "m1"))
}

func TestNew_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(&config.RedisConfig{Address: addr}, nil)
	assert.Error(t, err)
}

func TestClaimStore(t *testing.T) {
	client, mr := newTestClient(t)
	claims := NewClaimStore(client)
	ctx := context.Background()

	t.Run("先到者获得认领", func(t *testing.T) {
		require.NoError(t, claims.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-a"))
		assert.ErrorIs(t, claims.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-b"), storage.ErrClaimExists)

		claim, err := claims.GetClaim(ctx, "host@villarosa.it", "m1")
		require.NoError(t, err)
		assert.Equal(t, "runner-a", claim.ClaimedBy)
		assert.Equal(t, "m1", claim.MessageID)
	})

	t.Run("Marker never expires", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), mr.TTL(claimKey("host@villarosa.it", "m1")))
		mr.FastForward(365 * 24 * time.Hour)
		assert.ErrorIs(t, claims.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-b"), storage.ErrClaimExists)
	})

	t.Run("释放后可以重新认领", func(t *testing.T) {
		require.NoError(t, claims.ReleaseClaim(ctx, "host@villarosa.it", "m1"))
		assert.ErrorIs(t, claims.ReleaseClaim(ctx, "host@villarosa.it", "m1"), storage.ErrClaimNotFound)
		_, err := claims.GetClaim(ctx, "host@villarosa.it", "m1")
		assert.ErrorIs(t, err, storage.ErrClaimNotFound)

		require.NoError(t, claims.ClaimMessage(ctx, "host@villarosa.it", "m1", "runner-b"))
	})

	t.Run("Concurrent claims have one winner", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 16)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = claims.ClaimMessage(ctx, "host@villarosa.it", "m2", fmt.Sprintf("runner-%d", i))
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.True(t, errors.Is(err, storage.ErrClaimExists), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, winners)
	})
}

func TestCache(t *testing.T) {
	client, mr := newTestClient(t)
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	t.Run("预订与会话索引", func(t *testing.T) {
		r := &domain.Reservation{ID: "ABC123", ConversationID: "conv-1", Status: "confirmed"}
		require.NoError(t, cache.CacheReservation(ctx, r))

		got, err := cache.GetCachedReservation(ctx, "ABC123")
		require.NoError(t, err)
		assert.Equal(t, "confirmed", got.Status)

		got, err = cache.GetCachedReservationByConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "ABC123", got.ID)

		assert.Equal(t, time.Minute, mr.TTL(reservationKey("ABC123")))
		mr.FastForward(2 * time.Minute)
		_, err = cache.GetCachedReservation(ctx, "ABC123")
		assert.ErrorIs(t, err, ErrCacheMiss)
		_, err = cache.GetCachedReservationByConversation(ctx, "conv-1")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("Account cache and invalidation", func(t *testing.T) {
		require.NoError(t, cache.CacheAccount(ctx, &domain.EmailAccount{
			Address:              "host@villarosa.it",
			HistoryCursor:        42,
			EncryptedCredentials: "sealed-box",
		}))

		got, err := cache.GetCachedAccount(ctx, "host@villarosa.it")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), got.HistoryCursor)
		assert.Equal(t, "sealed-box", got.EncryptedCredentials, "sealed credentials survive the cache")

		require.NoError(t, cache.DeleteCachedAccount(ctx, "host@villarosa.it"))
		_, err = cache.GetCachedAccount(ctx, "host@villarosa.it")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})
}

func TestPublisher(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	p := NewPublisher(client, "")
	assert.Equal(t, "hostinbox:events:reservation.message_ingested", p.eventChannel(domain.WebhookEventMessageIngested))

	sub := client.Client().Subscribe(ctx, p.eventChannel(domain.WebhookEventMessageIngested))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Notify(ctx, &domain.WebhookEvent{
		ID:      "evt-1",
		Event:   domain.WebhookEventMessageIngested,
		Account: "host@villarosa.it",
	}))

	select {
	case msg := <-sub.Channel():
		var event domain.WebhookEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, "evt-1", event.ID)
		assert.Equal(t, "host@villarosa.it", event.Account)
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
}
