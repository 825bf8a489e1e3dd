package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

func testSession() *domain.ConversationSession {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.ConversationSession{
		Key:          "messaging:tenant-1:+911234567890",
		Identity:     "+911234567890",
		TenantID:     "tenant-1",
		State:        domain.StateAwaitingDocument,
		Context:      domain.SessionContext{PendingCategory: domain.CategoryInvoice},
		Version:      3,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
}

func TestLoadSessionMissingReturnsNil(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectHGet(sessionPrefix+"k", "data").RedisNil()

	session, err := New(client).LoadSession(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSessionDecodesStoredValue(t *testing.T) {
	client, mock := redismock.NewClientMock()
	want := testSession()
	data, err := json.Marshal(want)
	require.NoError(t, err)
	mock.ExpectHGet(sessionPrefix+"k", "data").SetVal(string(data))

	got, err := New(client).LoadSession(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, domain.CategoryInvoice, got.Context.PendingCategory)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestCompareAndSwapSession(t *testing.T) {
	session := testSession()
	data, err := json.Marshal(session)
	require.NoError(t, err)

	t.Run("swapped", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectEval(casScript, []string{sessionPrefix + "k"}, int64(2), int64(3), string(data), int64(86400000)).SetVal(int64(1))

		err := New(client).CompareAndSwapSession(context.Background(), "k", 2, session, 24*time.Hour)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("version moved", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectEval(casScript, []string{sessionPrefix + "k"}, int64(2), int64(3), string(data), int64(86400000)).SetVal(int64(0))

		err := New(client).CompareAndSwapSession(context.Background(), "k", 2, session, 24*time.Hour)
		assert.True(t, domain.IsKind(err, domain.ErrConcurrentUpdate))
	})

	t.Run("redis down", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		mock.ExpectEval(casScript, []string{sessionPrefix + "k"}, int64(2), int64(3), string(data), int64(86400000)).SetErr(errors.New("connection refused"))

		err := New(client).CompareAndSwapSession(context.Background(), "k", 2, session, 24*time.Hour)
		assert.True(t, domain.IsKind(err, domain.ErrTemporary))
	})
}

func TestCounterRoundTripsThroughHash(t *testing.T) {
	client, mock := redismock.NewClientMock()
	counter := &domain.RateLimitCounter{Identity: "id", Count: 4, Version: 1, WindowStart: time.Unix(0, 0).UTC()}
	data, err := json.Marshal(counter)
	require.NoError(t, err)

	mock.ExpectEval(casScript, []string{counterPrefix + "id"}, int64(0), int64(1), string(data), int64(60000)).SetVal(int64(1))
	mock.ExpectHGet(counterPrefix+"id", "data").SetVal(string(data))

	store := New(client)
	require.NoError(t, store.CompareAndSwapCounter(context.Background(), "id", 0, counter, time.Minute))
	got, err := store.LoadCounter(context.Background(), "id")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSeen(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectSetNX(dedupPrefix+"wamid.1", 1, time.Hour).SetVal(true)
	mock.ExpectSetNX(dedupPrefix+"wamid.1", 1, time.Hour).SetVal(false)

	store := New(client)
	first, err := store.MarkSeen(context.Background(), "wamid.1", time.Hour)
	require.NoError(t, err)
	second, err := store.MarkSeen(context.Background(), "wamid.1", time.Hour)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestDeleteSession(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectDel(sessionPrefix + "k").SetVal(1)

	require.NoError(t, New(client).DeleteSession(context.Background(), "k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
