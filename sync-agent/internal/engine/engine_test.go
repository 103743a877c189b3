package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystack-server/shared/models"
	"storystack-server/sync-agent/internal/remote"
	"storystack-server/sync-agent/internal/store"
)

// fakeRemote записывает вызовы и выдает серверные идентификаторы на create.
type fakeRemote struct {
	mu    sync.Mutex
	calls []string
	// serverIDs: временный id -> выданный серверный id.
	serverIDs map[string]uuid.UUID
	err       error
	// failOn: ошибки для отдельных сущностей по их id.
	failOn map[string]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		serverIDs: make(map[string]uuid.UUID),
		failOn:    make(map[string]error),
	}
}

func (f *fakeRemote) errFor(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOn[id]; ok {
		return err
	}
	return f.err
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) assignID(tempID string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.serverIDs[tempID] = id
	return id
}

func (f *fakeRemote) CreateStack(_ context.Context, stack *models.StoryStack) (*models.StoryStack, error) {
	f.record("create_stack:" + stack.ID.String())
	if f.err != nil {
		return nil, f.err
	}
	created := *stack
	created.ID = f.assignID(stack.ID.String())
	return &created, nil
}

func (f *fakeRemote) UpdateStack(_ context.Context, stack *models.StoryStack) error {
	f.record("update_stack:" + stack.ID.String())
	return f.err
}

func (f *fakeRemote) DeleteStack(_ context.Context, id string) error {
	f.record("delete_stack:" + id)
	return f.err
}

func (f *fakeRemote) CreateCard(_ context.Context, card *models.StoryCard) (*models.StoryCard, error) {
	f.record("create_card:" + card.ID.String())
	if f.err != nil {
		return nil, f.err
	}
	created := *card
	created.ID = f.assignID(card.ID.String())
	return &created, nil
}

func (f *fakeRemote) UpdateCard(_ context.Context, card *models.StoryCard) error {
	f.record("update_card:" + card.ID.String())
	return f.errFor(card.ID.String())
}

func (f *fakeRemote) DeleteCard(_ context.Context, id string) error {
	f.record("delete_card:" + id)
	return f.err
}

func (f *fakeRemote) CreateChoice(_ context.Context, choice *models.Choice) (*models.Choice, error) {
	f.record(fmt.Sprintf("create_choice:%s->%s", choice.CardID, choice.TargetCardID))
	if f.err != nil {
		return nil, f.err
	}
	created := *choice
	created.ID = f.assignID(choice.ID.String())
	return &created, nil
}

func (f *fakeRemote) UpdateChoice(_ context.Context, choice *models.Choice) error {
	f.record("update_choice:" + choice.ID.String())
	return f.err
}

func (f *fakeRemote) DeleteChoice(_ context.Context, id string) error {
	f.record("delete_choice:" + id)
	return f.err
}

type stubConnectivity struct {
	online bool
}

func (s *stubConnectivity) IsOnline() bool              { return s.online }
func (s *stubConnectivity) Subscribe(func(online bool)) {}

func newTestEngine(t *testing.T, fr *fakeRemote) (*Engine, *store.MirrorStore) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := NewEngine(st, fr, &stubConnectivity{online: true}, zerolog.Nop(), Options{})
	return eng, st
}

func drainEvents(eng *Engine) []Event {
	var events []Event
	for {
		select {
		case ev := <-eng.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func enqueueCardUpdate(t *testing.T, st *store.MirrorStore, card *models.StoryCard, at time.Time) string {
	t.Helper()
	item := &models.SyncQueueItem{
		ID:         uuid.NewString(),
		EntityType: models.EntityStoryCard,
		EntityID:   card.ID.String(),
		Operation:  models.OpUpdate,
		Payload:    &models.SyncPayload{Card: card},
		EnqueuedAt: at,
	}
	require.NoError(t, st.Enqueue(context.Background(), item))
	return item.ID
}

func TestSync_EmptyQueueIsIdempotent(t *testing.T) {
	fr := newFakeRemote()
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	eng.Sync(ctx)
	eng.Sync(ctx)

	assert.Empty(t, fr.callLog())

	last, err := st.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())

	status := eng.Status(ctx)
	assert.Empty(t, status.LastError)
	assert.Zero(t, status.PendingCount)

	types := eventTypes(drainEvents(eng))
	assert.Equal(t, []EventType{
		EventSyncStarted, EventSyncCompleted,
		EventSyncStarted, EventSyncCompleted,
	}, types)
}

func TestSync_DispatchesInEnqueueOrder(t *testing.T) {
	fr := newFakeRemote()
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	var wantOrder []string
	for i := 0; i < 3; i++ {
		card := &models.StoryCard{
			ID:      uuid.New(),
			StackID: uuid.New(),
			Title:   fmt.Sprintf("Card %d", i),
		}
		enqueueCardUpdate(t, st, card, base.Add(time.Duration(i)*time.Second))
		wantOrder = append(wantOrder, "update_card:"+card.ID.String())
	}

	eng.Sync(ctx)

	assert.Equal(t, wantOrder, fr.callLog())

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSync_TransientFailureRetriesExactlyThreeTimes(t *testing.T) {
	fr := newFakeRemote()
	fr.err = &remote.TransientError{Err: fmt.Errorf("server returned 503")}
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	card := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Stuck"}
	itemID := enqueueCardUpdate(t, st, card, time.Now().UTC())

	for i := 0; i < models.MaxSyncRetries; i++ {
		eng.Sync(ctx)
	}

	assert.Len(t, fr.callLog(), models.MaxSyncRetries)

	pending, err := st.PendingItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "exhausted item must leave the pending queue")

	failed, err := st.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, itemID, failed[0].ID)
	assert.Equal(t, models.MaxSyncRetries, failed[0].RetryCount)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "503")

	// Dead letter не трогается последующими проходами.
	eng.Sync(ctx)
	assert.Len(t, fr.callLog(), models.MaxSyncRetries)

	status := eng.Status(ctx)
	assert.NotEmpty(t, status.LastError)
}

func TestSync_PermanentFailureDeadLettersImmediately(t *testing.T) {
	fr := newFakeRemote()
	fr.err = fmt.Errorf("PUT /cards/x: status 400: invalid card")
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	card := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Rejected"}
	enqueueCardUpdate(t, st, card, time.Now().UTC())

	eng.Sync(ctx)
	eng.Sync(ctx)

	assert.Len(t, fr.callLog(), 1, "rejected item must not be retried")

	failed, err := st.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
}

func TestSync_FailedItemResurrectedByRetryFailed(t *testing.T) {
	fr := newFakeRemote()
	fr.err = &remote.TransientError{Err: fmt.Errorf("connection refused")}
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	card := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Flaky"}
	enqueueCardUpdate(t, st, card, time.Now().UTC())

	for i := 0; i < models.MaxSyncRetries; i++ {
		eng.Sync(ctx)
	}

	requeued, err := st.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	fr.err = nil
	eng.Sync(ctx)

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	failed, err := st.FailedItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSync_OfflineCreatesRemapTempIDs(t *testing.T) {
	fr := newFakeRemote()
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	stackID := uuid.New()
	tempCard := &models.StoryCard{ID: uuid.New(), StackID: stackID, Title: "Новая сцена"}
	tempTarget := &models.StoryCard{ID: uuid.New(), StackID: stackID, Title: "Развязка"}
	choice := &models.Choice{
		ID:           uuid.New(),
		CardID:       tempCard.ID,
		TargetCardID: tempTarget.ID,
		Label:        "Дальше",
	}

	require.NoError(t, st.PutCard(ctx, tempCard))
	require.NoError(t, st.PutCard(ctx, tempTarget))
	require.NoError(t, st.PutChoice(ctx, choice))

	base := time.Now().UTC()
	for i, enq := range []*models.SyncQueueItem{
		{
			ID:         uuid.NewString(),
			EntityType: models.EntityStoryCard,
			EntityID:   tempCard.ID.String(),
			Operation:  models.OpCreate,
			Payload:    &models.SyncPayload{Card: tempCard},
		},
		{
			ID:         uuid.NewString(),
			EntityType: models.EntityStoryCard,
			EntityID:   tempTarget.ID.String(),
			Operation:  models.OpCreate,
			Payload:    &models.SyncPayload{Card: tempTarget},
		},
		{
			ID:         uuid.NewString(),
			EntityType: models.EntityChoice,
			EntityID:   choice.ID.String(),
			Operation:  models.OpCreate,
			Payload:    &models.SyncPayload{Choice: choice},
		},
	} {
		enq.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, st.Enqueue(ctx, enq))
	}

	eng.Sync(ctx)

	count, err := st.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "queue must drain after the pass")

	serverCardID := fr.serverIDs[tempCard.ID.String()]
	serverTargetID := fr.serverIDs[tempTarget.ID.String()]
	require.NotEqual(t, uuid.Nil, serverCardID)
	require.NotEqual(t, uuid.Nil, serverTargetID)

	// Выбор ушел на сервер уже с серверными идентификаторами карточек.
	assert.Contains(t, fr.callLog(), fmt.Sprintf("create_choice:%s->%s", serverCardID, serverTargetID))

	// Зеркало содержит серверные записи, временных больше нет.
	_, err = st.GetCard(ctx, tempCard.ID.String())
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := st.GetCard(ctx, serverCardID.String())
	require.NoError(t, err)
	assert.Equal(t, "Новая сцена", got.Title)

	serverChoiceID := fr.serverIDs[choice.ID.String()]
	gotChoice, err := st.GetChoice(ctx, serverChoiceID.String())
	require.NoError(t, err)
	assert.Equal(t, serverCardID, gotChoice.CardID)
	assert.Equal(t, serverTargetID, gotChoice.TargetCardID)
}

func TestSync_ReentrantCallIsNoOp(t *testing.T) {
	fr := newFakeRemote()
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	card := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Once"}
	enqueueCardUpdate(t, st, card, time.Now().UTC())

	eng.mu.Lock()
	eng.isSyncing = true
	eng.mu.Unlock()

	eng.Sync(ctx)
	assert.Empty(t, fr.callLog(), "a pass already in flight must not start another")

	eng.mu.Lock()
	eng.isSyncing = false
	eng.mu.Unlock()

	eng.Sync(ctx)
	assert.Len(t, fr.callLog(), 1)
}

func TestSync_LastSyncRecordedDespiteFailures(t *testing.T) {
	fr := newFakeRemote()
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	stuck := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Stuck"}
	fr.failOn[stuck.ID.String()] = &remote.TransientError{Err: fmt.Errorf("connection refused")}
	enqueueCardUpdate(t, st, stuck, time.Now().UTC())

	before := time.Now().UTC().Add(-time.Second)
	eng.Sync(ctx)

	// Проход с застрявшим элементом все равно фиксирует отметку времени.
	last, err := st.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
	assert.True(t, last.After(before))

	status := eng.Status(ctx)
	assert.NotEmpty(t, status.LastError)
	assert.False(t, status.LastSyncTime.IsZero())
}

func TestSync_OneFailureDoesNotHaltThePass(t *testing.T) {
	fr := newFakeRemote()
	eng, st := newTestEngine(t, fr)
	ctx := context.Background()

	base := time.Now().UTC()
	bad := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Bad"}
	good := &models.StoryCard{ID: uuid.New(), StackID: uuid.New(), Title: "Good"}
	fr.failOn[bad.ID.String()] = &remote.TransientError{Err: fmt.Errorf("connection reset")}

	enqueueCardUpdate(t, st, bad, base)
	enqueueCardUpdate(t, st, good, base.Add(time.Second))

	eng.Sync(ctx)

	assert.Equal(t, []string{
		"update_card:" + bad.ID.String(),
		"update_card:" + good.ID.String(),
	}, fr.callLog())

	types := eventTypes(drainEvents(eng))
	assert.Contains(t, types, EventItemFailed)
	assert.Contains(t, types, EventItemSynced)
	assert.Contains(t, types, EventSyncFailed)
}
