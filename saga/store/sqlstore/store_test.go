package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagarun/saga"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState(sagaID, correlationID string) *saga.State {
	now := time.Now().UTC()
	return &saga.State{
		SagaName:      "order",
		SagaID:        sagaID,
		CorrelationID: correlationID,
		Metadata:      saga.Metadata{Version: 0, CreatedAt: now, UpdatedAt: now},
		Data:          []byte(`{"status":"placed"}`),
	}
}

func TestStore_EnsureSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestStore_InsertThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sampleState("s-1", "c-1")))

	byCor, err := s.LoadByCorrelation(ctx, "order", "c-1")
	require.NoError(t, err)
	require.NotNil(t, byCor)
	assert.Equal(t, "s-1", byCor.SagaID)
	assert.JSONEq(t, `{"status":"placed"}`, string(byCor.Data))

	byID, err := s.LoadByID(ctx, "order", "s-1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "c-1", byID.CorrelationID)
}

func TestStore_LoadMissReturnsNilNilNotError(t *testing.T) {
	s := openTestStore(t)
	st, err := s.LoadByCorrelation(context.Background(), "order", "missing")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStore_InsertDuplicateSagaIDReturnsAlreadyExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sampleState("s-1", "c-1")))
	err := s.Insert(ctx, sampleState("s-1", "c-2"))
	assert.ErrorIs(t, err, saga.ErrAlreadyExists)
}

func TestStore_InsertDuplicateCorrelationReturnsAlreadyExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sampleState("s-1", "c-1")))
	err := s.Insert(ctx, sampleState("s-2", "c-1"))
	assert.ErrorIs(t, err, saga.ErrAlreadyExists)
}

func TestStore_UpdateWithCorrectVersionSucceeds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sampleState("s-1", "c-1")))

	updated := sampleState("s-1", "c-1")
	updated.Metadata.Version = 1
	updated.Metadata.IsCompleted = true
	require.NoError(t, s.Update(ctx, updated, 0))

	st, err := s.LoadByID(ctx, "order", "s-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Metadata.Version)
	assert.True(t, st.Metadata.IsCompleted)
}

func TestStore_UpdateWithStaleVersionReturnsConcurrencyConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sampleState("s-1", "c-1")))

	err := s.Update(ctx, sampleState("s-1", "c-1"), 5)
	assert.ErrorIs(t, err, saga.ErrConcurrencyConflict)
}

func TestStore_UpdateMissingRecordReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(context.Background(), sampleState("s-missing", "c-missing"), 0)
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, sampleState("s-1", "c-1")))
	require.NoError(t, s.Delete(ctx, "order", "s-1"))
	require.NoError(t, s.Delete(ctx, "order", "s-1"))

	st, err := s.LoadByID(ctx, "order", "s-1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStore_TimeoutAtAndAnnotationsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Round(time.Millisecond)
	st := sampleState("s-1", "c-1")
	st.Metadata.TimeoutAt = &at
	st.Metadata.TimeoutDurationMs = time.Hour.Milliseconds()
	st.Metadata.Annotations = map[string]string{"priority": "high"}
	require.NoError(t, s.Insert(ctx, st))

	loaded, err := s.LoadByID(ctx, "order", "s-1")
	require.NoError(t, err)
	require.NotNil(t, loaded.Metadata.TimeoutAt)
	assert.WithinDuration(t, at, *loaded.Metadata.TimeoutAt, time.Millisecond)
	assert.Equal(t, "high", loaded.Metadata.Annotations["priority"])
}

func TestStore_SweepTimeoutsOnlyReturnsUnfinishedWithDeadline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC()

	withTimeout := sampleState("s-1", "c-1")
	withTimeout.Metadata.TimeoutAt = &at
	require.NoError(t, s.Insert(ctx, withTimeout))

	completed := sampleState("s-2", "c-2")
	completed.Metadata.TimeoutAt = &at
	completed.Metadata.IsCompleted = true
	require.NoError(t, s.Insert(ctx, completed))

	noDeadline := sampleState("s-3", "c-3")
	require.NoError(t, s.Insert(ctx, noDeadline))

	out, err := s.SweepTimeouts(ctx, "order")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "s-1", out[0].SagaID)
}
