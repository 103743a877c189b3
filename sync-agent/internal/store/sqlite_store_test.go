package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystack-server/shared/models"
)

func openTestStore(t *testing.T) *MirrorStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testStack(ownerID uint64) *models.StoryStack {
	return &models.StoryStack{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      "Офлайн-черновик",
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMirrorStore_StackRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stack := testStack(1)
	require.NoError(t, s.PutStack(ctx, stack))

	got, err := s.GetStack(ctx, stack.ID.String())
	require.NoError(t, err)
	assert.Equal(t, stack.ID, got.ID)
	assert.Equal(t, stack.Name, got.Name)

	// Перезапись обновляет, а не дублирует
	stack.Name = "Переименован"
	require.NoError(t, s.PutStack(ctx, stack))
	got, err = s.GetStack(ctx, stack.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "Переименован", got.Name)

	stacks, err := s.StacksByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stacks, 1)

	_, err = s.GetStack(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMirrorStore_DeleteStackCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stack := testStack(1)
	require.NoError(t, s.PutStack(ctx, stack))

	card := &models.StoryCard{ID: uuid.New(), StackID: stack.ID, Title: "Карточка"}
	require.NoError(t, s.PutCard(ctx, card))
	choice := &models.Choice{ID: uuid.New(), CardID: card.ID, TargetCardID: uuid.New(), Label: "Дальше"}
	require.NoError(t, s.PutChoice(ctx, choice))

	require.NoError(t, s.DeleteStack(ctx, stack.ID.String()))

	_, err := s.GetStack(ctx, stack.ID.String())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCard(ctx, card.ID.String())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetChoice(ctx, choice.ID.String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMirrorStore_CardsByStackSorted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stackID := uuid.New()

	base := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	second := &models.StoryCard{ID: uuid.New(), StackID: stackID, OrderIndex: 2, CreatedAt: base}
	first := &models.StoryCard{ID: uuid.New(), StackID: stackID, OrderIndex: 1, CreatedAt: base}
	require.NoError(t, s.PutCard(ctx, second))
	require.NoError(t, s.PutCard(ctx, first))

	cards, err := s.CardsByStack(ctx, stackID.String())
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, first.ID, cards[0].ID)
	assert.Equal(t, second.ID, cards[1].ID)
}

func TestMirrorStore_QueueFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		card := &models.StoryCard{ID: uuid.New(), StackID: uuid.New()}
		item := &models.SyncQueueItem{
			ID:         uuid.NewString(),
			EntityType: models.EntityStoryCard,
			EntityID:   card.ID.String(),
			Operation:  models.OpCreate,
			Payload:    &models.SyncPayload{Card: card},
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.Enqueue(ctx, item))
	}

	items, err := s.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].EnqueuedAt.Before(items[i-1].EnqueuedAt), "items must be FIFO ordered")
	}

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, s.RemoveItem(ctx, items[0].ID))
	count, err = s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMirrorStore_QueueSameTimestampKeepsInsertOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC)
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		stack := testStack(1)
		item := &models.SyncQueueItem{
			ID:         ids[i],
			EntityType: models.EntityStoryStack,
			EntityID:   stack.ID.String(),
			Operation:  models.OpCreate,
			Payload:    &models.SyncPayload{Stack: stack},
			EnqueuedAt: ts,
		}
		require.NoError(t, s.Enqueue(ctx, item))
	}

	items, err := s.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, ids[i], item.ID)
	}
}

func TestMirrorStore_MarkAndRetryFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stack := testStack(1)
	item := &models.SyncQueueItem{
		ID:         uuid.NewString(),
		EntityType: models.EntityStoryStack,
		EntityID:   stack.ID.String(),
		Operation:  models.OpCreate,
		Payload:    &models.SyncPayload{Stack: stack},
	}
	require.NoError(t, s.Enqueue(ctx, item))

	require.NoError(t, s.MarkItemStatus(ctx, item.ID, models.SyncStatusFailed, "server unreachable"))

	pending, err := s.PendingItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := s.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	require.NotNil(t, failed[0].LastError)
	assert.Equal(t, "server unreachable", *failed[0].LastError)

	// Явный возврат dead-letter элементов в очередь
	requeued, err := s.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	pending, err = s.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Nil(t, pending[0].LastError)
}

func TestMirrorStore_EnqueueValidatesPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// create без payload — ошибка
	err := s.Enqueue(ctx, &models.SyncQueueItem{
		ID:         uuid.NewString(),
		EntityType: models.EntityStoryCard,
		EntityID:   uuid.NewString(),
		Operation:  models.OpCreate,
	})
	require.Error(t, err)

	// delete без payload — допустимо
	err = s.Enqueue(ctx, &models.SyncQueueItem{
		ID:         uuid.NewString(),
		EntityType: models.EntityStoryCard,
		EntityID:   uuid.NewString(),
		Operation:  models.OpDelete,
	})
	require.NoError(t, err)
}

func TestMirrorStore_LastSync(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SetLastSync(ctx, now))

	got, err = s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(got))
}

func TestMirrorStore_InMemoryFallback(t *testing.T) {
	// Путь в несуществующем каталоге: файл открыть нельзя,
	// зеркало деградирует в память и сообщает об этом.
	s, err := Open(filepath.Join(t.TempDir(), "no", "such", "dir", "mirror.db"), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.InMemory())

	stack := testStack(9)
	require.NoError(t, s.PutStack(context.Background(), stack))
	got, err := s.GetStack(context.Background(), stack.ID.String())
	require.NoError(t, err)
	assert.Equal(t, stack.ID, got.ID)
}
