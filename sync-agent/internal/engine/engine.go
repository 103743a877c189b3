package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"storystack-server/shared/models"
	"storystack-server/sync-agent/internal/remote"
)

// Store — срез локального зеркала, нужный движку синхронизации.
type Store interface {
	PendingItems(ctx context.Context) ([]models.SyncQueueItem, error)
	MarkItemStatus(ctx context.Context, id string, status models.SyncItemStatus, lastError string) error
	RemoveItem(ctx context.Context, id string) error
	PendingCount(ctx context.Context) (int, error)
	SetLastSync(ctx context.Context, t time.Time) error
	LastSync(ctx context.Context) (time.Time, error)

	PutStack(ctx context.Context, stack *models.StoryStack) error
	DeleteStack(ctx context.Context, id string) error
	PutCard(ctx context.Context, card *models.StoryCard) error
	DeleteCard(ctx context.Context, id string) error
	PutChoice(ctx context.Context, choice *models.Choice) error
	DeleteChoice(ctx context.Context, id string) error
}

// RemoteClient — серверное API, через которое воспроизводятся отложенные мутации.
// Create-методы возвращают серверную версию сущности с постоянным идентификатором.
type RemoteClient interface {
	CreateStack(ctx context.Context, stack *models.StoryStack) (*models.StoryStack, error)
	UpdateStack(ctx context.Context, stack *models.StoryStack) error
	DeleteStack(ctx context.Context, id string) error
	CreateCard(ctx context.Context, card *models.StoryCard) (*models.StoryCard, error)
	UpdateCard(ctx context.Context, card *models.StoryCard) error
	DeleteCard(ctx context.Context, id string) error
	CreateChoice(ctx context.Context, choice *models.Choice) (*models.Choice, error)
	UpdateChoice(ctx context.Context, choice *models.Choice) error
	DeleteChoice(ctx context.Context, id string) error
}

// Connectivity сообщает о доступности сервера и о переходах онлайн/офлайн.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool))
}

// EventType — тип события жизненного цикла синхронизации.
type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventItemSynced    EventType = "item_synced"
	EventItemFailed    EventType = "item_failed"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
)

// Event — событие синхронизации для подписчиков (UI, логи).
type Event struct {
	Type   EventType `json:"type"`
	ItemID string    `json:"item_id,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Status — моментальный снимок состояния движка.
type Status struct {
	IsOnline     bool      `json:"is_online"`
	IsSyncing    bool      `json:"is_syncing"`
	PendingCount int       `json:"pending_count"`
	LastSyncTime time.Time `json:"last_sync_time"`
	LastError    string    `json:"last_error,omitempty"`
}

// Options — настройки движка синхронизации.
type Options struct {
	// SyncInterval — период фоновых проходов в онлайне. По умолчанию 30 секунд.
	SyncInterval time.Duration
	// CallTimeout — таймаут одного удаленного вызова. По умолчанию 10 секунд.
	// Истечение таймаута считается временным сбоем и ведет к повтору.
	CallTimeout time.Duration
	// Registerer для метрик Prometheus. nil — метрики не регистрируются.
	Registerer prometheus.Registerer
}

const (
	defaultSyncInterval = 30 * time.Second
	defaultCallTimeout  = 10 * time.Second
	eventBufferSize     = 64
)

// Engine воспроизводит очередь отложенных мутаций на сервере.
// Проходы запускаются по переходу в онлайн, по таймеру и вручную через Sync.
// Повторный вызов Sync во время прохода — no-op.
type Engine struct {
	store   Store
	remote  RemoteClient
	conn    Connectivity
	logger  zerolog.Logger
	metrics *engineMetrics

	syncInterval time.Duration
	callTimeout  time.Duration
	now          func() time.Time

	mu        sync.Mutex
	isSyncing bool
	lastError string
	// Соответствие временных идентификаторов серверным в рамках сессии.
	// Заполняется при успешных create и применяется к последующим элементам.
	idMap map[string]uuid.UUID

	events       chan Event
	syncRequests chan struct{}
	stopOnce     sync.Once
	stop         chan struct{}
	done         chan struct{}
}

type engineMetrics struct {
	itemsSynced prometheus.Counter
	itemsFailed prometheus.Counter
	passesRun   prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		itemsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_agent_items_synced_total",
			Help: "Number of queue items successfully applied to the server.",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_agent_items_failed_total",
			Help: "Number of queue item dispatch failures.",
		}),
		passesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_agent_passes_total",
			Help: "Number of sync passes started.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.itemsSynced, m.itemsFailed, m.passesRun)
	}
	return m
}

// NewEngine создает движок синхронизации.
func NewEngine(store Store, remoteClient RemoteClient, conn Connectivity, logger zerolog.Logger, opts Options) *Engine {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Engine{
		store:        store,
		remote:       remoteClient,
		conn:         conn,
		logger:       logger.With().Str("component", "SyncEngine").Logger(),
		metrics:      newEngineMetrics(opts.Registerer),
		syncInterval: opts.SyncInterval,
		callTimeout:  opts.CallTimeout,
		now:          time.Now,
		idMap:        make(map[string]uuid.UUID),
		events:       make(chan Event, eventBufferSize),
		syncRequests: make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Events возвращает канал событий синхронизации. При переполнении буфера
// события отбрасываются: подписчик информационный, не управляющий.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start запускает фоновый цикл: проход по переходу в онлайн и по таймеру.
func (e *Engine) Start(ctx context.Context) {
	e.conn.Subscribe(func(online bool) {
		if online {
			e.logger.Info().Msg("Server reachable again, requesting sync pass")
			e.requestSync()
		}
	})
	go e.run(ctx)
}

// Stop останавливает фоновый цикл и дожидается его завершения.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			if e.conn.IsOnline() {
				e.Sync(ctx)
			}
		case <-e.syncRequests:
			e.Sync(ctx)
		}
	}
}

func (e *Engine) requestSync() {
	select {
	case e.syncRequests <- struct{}{}:
	default:
	}
}

// Status возвращает текущее состояние движка.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	syncing := e.isSyncing
	lastErr := e.lastError
	e.mu.Unlock()

	st := Status{
		IsOnline:  e.conn.IsOnline(),
		IsSyncing: syncing,
		LastError: lastErr,
	}
	if count, err := e.store.PendingCount(ctx); err == nil {
		st.PendingCount = count
	}
	if last, err := e.store.LastSync(ctx); err == nil {
		st.LastSyncTime = last
	}
	return st
}

// Sync выполняет один проход синхронизации. Если проход уже идет,
// вызов возвращается сразу. Сбой одного элемента не прерывает проход:
// каждый элемент обрабатывается независимо.
func (e *Engine) Sync(ctx context.Context) {
	e.mu.Lock()
	if e.isSyncing {
		e.mu.Unlock()
		return
	}
	e.isSyncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		e.mu.Unlock()
	}()

	e.metrics.passesRun.Inc()
	e.emit(Event{Type: EventSyncStarted, Time: e.now()})

	items, err := e.store.PendingItems(ctx)
	if err != nil {
		e.finishPass(fmt.Sprintf("load pending items: %v", err))
		return
	}

	var failures int
	for i := range items {
		item := &items[i]
		if err := e.processItem(ctx, item); err != nil {
			failures++
			e.metrics.itemsFailed.Inc()
			e.markFailure(ctx, item, err)
			e.emit(Event{Type: EventItemFailed, ItemID: item.ID, Error: err.Error(), Time: e.now()})
			continue
		}
		if err := e.store.RemoveItem(ctx, item.ID); err != nil {
			e.logger.Error().Err(err).Str("item_id", item.ID).Msg("Failed to remove synced queue item")
		}
		e.metrics.itemsSynced.Inc()
		e.emit(Event{Type: EventItemSynced, ItemID: item.ID, Time: e.now()})
	}

	// Время синхронизации фиксируется за проход, а не только за
	// безошибочный: застрявший элемент не должен замораживать отметку,
	// пока остальные элементы успешно уходят на сервер.
	if err := e.store.SetLastSync(ctx, e.now()); err != nil {
		e.logger.Error().Err(err).Msg("Failed to record last sync time")
	}

	if failures > 0 {
		e.finishPass(fmt.Sprintf("%d of %d queue items failed", failures, len(items)))
		return
	}

	e.finishPass("")
	e.logger.Info().Int("items", len(items)).Msg("Sync pass completed")
}

func (e *Engine) finishPass(lastError string) {
	e.mu.Lock()
	e.lastError = lastError
	e.mu.Unlock()

	if lastError != "" {
		e.emit(Event{Type: EventSyncFailed, Error: lastError, Time: e.now()})
		e.logger.Warn().Str("error", lastError).Msg("Sync pass finished with failures")
		return
	}
	e.emit(Event{Type: EventSyncCompleted, Time: e.now()})
}

// markFailure переводит элемент обратно в pending либо в dead letter,
// когда исчерпан лимит попыток. Постоянные ошибки (отказ сервера по
// валидации) не повторяются и сразу становятся dead letter.
func (e *Engine) markFailure(ctx context.Context, item *models.SyncQueueItem, cause error) {
	status := models.SyncStatusPending
	if !remote.IsTransient(cause) || item.RetryCount+1 >= models.MaxSyncRetries {
		status = models.SyncStatusFailed
	}
	if err := e.store.MarkItemStatus(ctx, item.ID, status, cause.Error()); err != nil {
		e.logger.Error().Err(err).Str("item_id", item.ID).Msg("Failed to mark queue item")
		return
	}
	if status == models.SyncStatusFailed {
		e.logger.Warn().
			Str("item_id", item.ID).
			Str("entity_type", string(item.EntityType)).
			Str("operation", string(item.Operation)).
			Err(cause).
			Msg("Queue item moved to dead letter")
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

// --- Обработка элементов ---

// processItem воспроизводит одну мутацию на сервере и согласует зеркало.
// Перед отправкой временные идентификаторы заменяются серверными
// из накопленной за сессию карты соответствий.
func (e *Engine) processItem(ctx context.Context, item *models.SyncQueueItem) error {
	if err := item.Payload.Validate(item.EntityType, item.Operation); err != nil {
		return fmt.Errorf("inconsistent queue item: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	switch item.EntityType {
	case models.EntityStoryStack:
		return e.processStack(callCtx, item)
	case models.EntityStoryCard:
		return e.processCard(callCtx, item)
	case models.EntityChoice:
		return e.processChoice(callCtx, item)
	default:
		return fmt.Errorf("unknown entity type %q", item.EntityType)
	}
}

func (e *Engine) processStack(ctx context.Context, item *models.SyncQueueItem) error {
	switch item.Operation {
	case models.OpCreate:
		stack := *item.Payload.Stack
		if stack.FirstCardID != nil {
			mapped := e.remapID(*stack.FirstCardID)
			stack.FirstCardID = &mapped
		}
		created, err := e.remote.CreateStack(ctx, &stack)
		if err != nil {
			return err
		}
		return e.reconcileCreate(ctx, item.EntityID, created.ID,
			func(ctx context.Context) error { return e.store.DeleteStack(ctx, item.EntityID) },
			func(ctx context.Context) error { return e.store.PutStack(ctx, created) },
		)
	case models.OpUpdate:
		stack := *item.Payload.Stack
		stack.ID = e.remapID(stack.ID)
		if stack.FirstCardID != nil {
			mapped := e.remapID(*stack.FirstCardID)
			stack.FirstCardID = &mapped
		}
		if err := e.remote.UpdateStack(ctx, &stack); err != nil {
			return err
		}
		return e.store.PutStack(ctx, &stack)
	case models.OpDelete:
		id := e.remapStringID(item.EntityID)
		if err := e.remote.DeleteStack(ctx, id); err != nil {
			return err
		}
		return e.store.DeleteStack(ctx, id)
	default:
		return fmt.Errorf("unknown operation %q", item.Operation)
	}
}

func (e *Engine) processCard(ctx context.Context, item *models.SyncQueueItem) error {
	switch item.Operation {
	case models.OpCreate:
		card := *item.Payload.Card
		card.StackID = e.remapID(card.StackID)
		created, err := e.remote.CreateCard(ctx, &card)
		if err != nil {
			return err
		}
		return e.reconcileCreate(ctx, item.EntityID, created.ID,
			func(ctx context.Context) error { return e.store.DeleteCard(ctx, item.EntityID) },
			func(ctx context.Context) error { return e.store.PutCard(ctx, created) },
		)
	case models.OpUpdate:
		card := *item.Payload.Card
		card.ID = e.remapID(card.ID)
		card.StackID = e.remapID(card.StackID)
		if err := e.remote.UpdateCard(ctx, &card); err != nil {
			return err
		}
		return e.store.PutCard(ctx, &card)
	case models.OpDelete:
		id := e.remapStringID(item.EntityID)
		if err := e.remote.DeleteCard(ctx, id); err != nil {
			return err
		}
		return e.store.DeleteCard(ctx, id)
	default:
		return fmt.Errorf("unknown operation %q", item.Operation)
	}
}

func (e *Engine) processChoice(ctx context.Context, item *models.SyncQueueItem) error {
	switch item.Operation {
	case models.OpCreate:
		choice := *item.Payload.Choice
		choice.CardID = e.remapID(choice.CardID)
		choice.TargetCardID = e.remapID(choice.TargetCardID)
		created, err := e.remote.CreateChoice(ctx, &choice)
		if err != nil {
			return err
		}
		return e.reconcileCreate(ctx, item.EntityID, created.ID,
			func(ctx context.Context) error { return e.store.DeleteChoice(ctx, item.EntityID) },
			func(ctx context.Context) error { return e.store.PutChoice(ctx, created) },
		)
	case models.OpUpdate:
		choice := *item.Payload.Choice
		choice.ID = e.remapID(choice.ID)
		choice.CardID = e.remapID(choice.CardID)
		choice.TargetCardID = e.remapID(choice.TargetCardID)
		if err := e.remote.UpdateChoice(ctx, &choice); err != nil {
			return err
		}
		return e.store.PutChoice(ctx, &choice)
	case models.OpDelete:
		id := e.remapStringID(item.EntityID)
		if err := e.remote.DeleteChoice(ctx, id); err != nil {
			return err
		}
		return e.store.DeleteChoice(ctx, id)
	default:
		return fmt.Errorf("unknown operation %q", item.Operation)
	}
}

// reconcileCreate фиксирует соответствие временного и серверного
// идентификаторов, убирает временную запись из зеркала и кладет серверную.
func (e *Engine) reconcileCreate(ctx context.Context, tempID string, serverID uuid.UUID, removeTemp, putServer func(context.Context) error) error {
	e.mu.Lock()
	e.idMap[tempID] = serverID
	e.mu.Unlock()

	if tempID != serverID.String() {
		if err := removeTemp(ctx); err != nil {
			e.logger.Error().Err(err).Str("temp_id", tempID).Msg("Failed to remove temporary mirror record")
		}
	}
	return putServer(ctx)
}

// remapID возвращает серверный идентификатор для временного, если
// соответствие уже известно, иначе идентификатор без изменений.
func (e *Engine) remapID(id uuid.UUID) uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mapped, ok := e.idMap[id.String()]; ok {
		return mapped
	}
	return id
}

func (e *Engine) remapStringID(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if mapped, ok := e.idMap[id]; ok {
		return mapped.String()
	}
	return id
}
