package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"storystack-server/shared/models"
)

// ErrNotFound возвращается, когда сущность отсутствует в локальном зеркале.
var ErrNotFound = errors.New("entity not found in mirror store")

// InMemoryPath — специальный путь, открывающий зеркало в памяти.
const InMemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS stacks (
	id         TEXT PRIMARY KEY,
	owner_id   INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stacks_owner ON stacks(owner_id);

CREATE TABLE IF NOT EXISTS cards (
	id       TEXT PRIMARY KEY,
	stack_id TEXT NOT NULL,
	payload  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_stack ON cards(stack_id);

CREATE TABLE IF NOT EXISTS choices (
	id      TEXT PRIMARY KEY,
	card_id TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_choices_card ON choices(card_id);

CREATE TABLE IF NOT EXISTS sync_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	operation   TEXT NOT NULL,
	payload     TEXT,
	enqueued_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, enqueued_at, seq);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// MirrorStore — локальное SQLite-зеркало графа историй плюс durable
// очередь синхронизации (outbox). Все операции локальные, без сети.
type MirrorStore struct {
	db       *sql.DB
	inMemory bool
	logger   zerolog.Logger
}

// Open открывает зеркало по указанному пути и применяет схему.
// Если файл открыть не удается, агент продолжает работу на зеркале
// в памяти: деградация видимая (InMemory + лог), но не фатальная.
func Open(path string, logger zerolog.Logger) (*MirrorStore, error) {
	log := logger.With().Str("component", "MirrorStore").Logger()

	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := openSQLite(path)
	inMemory := path == InMemoryPath
	if err != nil && !inMemory {
		log.Warn().Err(err).Str("path", path).Msg("Failed to open mirror store file, falling back to in-memory")
		db, err = openSQLite(InMemoryPath)
		inMemory = true
	}
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply mirror schema: %w", err)
	}

	log.Info().Str("path", path).Bool("in_memory", inMemory).Msg("Mirror store opened")
	return &MirrorStore{db: db, inMemory: inMemory, logger: log}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != InMemoryPath {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Очередь и зеркало трогаются из движка и из редактора, но
	// modernc/sqlite не поддерживает конкурентную запись соединениями.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InMemory сообщает, работает ли зеркало в памяти (деградация).
func (s *MirrorStore) InMemory() bool {
	return s.inMemory
}

// Close закрывает соединение с SQLite.
func (s *MirrorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Зеркало сущностей ---

// PutStack сохраняет или перезаписывает стек в зеркале.
func (s *MirrorStore) PutStack(ctx context.Context, stack *models.StoryStack) error {
	payload, err := json.Marshal(stack)
	if err != nil {
		return fmt.Errorf("marshal stack: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO stacks (id, owner_id, payload, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, payload = excluded.payload, updated_at = excluded.updated_at
`, stack.ID.String(), stack.OwnerID, string(payload), stack.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put stack: %w", err)
	}
	return nil
}

// GetStack читает стек из зеркала.
func (s *MirrorStore) GetStack(ctx context.Context, id string) (*models.StoryStack, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM stacks WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stack: %w", err)
	}
	var stack models.StoryStack
	if err := json.Unmarshal([]byte(payload), &stack); err != nil {
		return nil, fmt.Errorf("unmarshal stack: %w", err)
	}
	return &stack, nil
}

// StacksByOwner возвращает все стеки владельца из зеркала.
func (s *MirrorStore) StacksByOwner(ctx context.Context, ownerID uint64) ([]models.StoryStack, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM stacks WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list stacks: %w", err)
	}
	defer rows.Close()

	var stacks []models.StoryStack
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan stack: %w", err)
		}
		var stack models.StoryStack
		if err := json.Unmarshal([]byte(payload), &stack); err != nil {
			return nil, fmt.Errorf("unmarshal stack: %w", err)
		}
		stacks = append(stacks, stack)
	}
	return stacks, rows.Err()
}

// DeleteStack удаляет стек и каскадно все его кешированные карточки и выборы.
func (s *MirrorStore) DeleteStack(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete stack: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM choices WHERE card_id IN (SELECT id FROM cards WHERE stack_id = ?)`, id); err != nil {
		return fmt.Errorf("delete stack choices: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE stack_id = ?`, id); err != nil {
		return fmt.Errorf("delete stack cards: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stacks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete stack: %w", err)
	}
	return tx.Commit()
}

// PutCard сохраняет или перезаписывает карточку в зеркале.
func (s *MirrorStore) PutCard(ctx context.Context, card *models.StoryCard) error {
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO cards (id, stack_id, payload) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET stack_id = excluded.stack_id, payload = excluded.payload
`, card.ID.String(), card.StackID.String(), string(payload))
	if err != nil {
		return fmt.Errorf("put card: %w", err)
	}
	return nil
}

// GetCard читает карточку из зеркала.
func (s *MirrorStore) GetCard(ctx context.Context, id string) (*models.StoryCard, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM cards WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	var card models.StoryCard
	if err := json.Unmarshal([]byte(payload), &card); err != nil {
		return nil, fmt.Errorf("unmarshal card: %w", err)
	}
	return &card, nil
}

// CardsByStack возвращает карточки стека из зеркала.
func (s *MirrorStore) CardsByStack(ctx context.Context, stackID string) ([]models.StoryCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM cards WHERE stack_id = ?`, stackID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []models.StoryCard
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		var card models.StoryCard
		if err := json.Unmarshal([]byte(payload), &card); err != nil {
			return nil, fmt.Errorf("unmarshal card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	models.SortCards(cards)
	return cards, nil
}

// DeleteCard удаляет карточку и каскадно ее выборы.
func (s *MirrorStore) DeleteCard(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete card: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM choices WHERE card_id = ?`, id); err != nil {
		return fmt.Errorf("delete card choices: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return tx.Commit()
}

// PutChoice сохраняет или перезаписывает выбор в зеркале.
func (s *MirrorStore) PutChoice(ctx context.Context, choice *models.Choice) error {
	payload, err := json.Marshal(choice)
	if err != nil {
		return fmt.Errorf("marshal choice: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO choices (id, card_id, payload) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET card_id = excluded.card_id, payload = excluded.payload
`, choice.ID.String(), choice.CardID.String(), string(payload))
	if err != nil {
		return fmt.Errorf("put choice: %w", err)
	}
	return nil
}

// GetChoice читает выбор из зеркала.
func (s *MirrorStore) GetChoice(ctx context.Context, id string) (*models.Choice, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM choices WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get choice: %w", err)
	}
	var choice models.Choice
	if err := json.Unmarshal([]byte(payload), &choice); err != nil {
		return nil, fmt.Errorf("unmarshal choice: %w", err)
	}
	return &choice, nil
}

// ChoicesByCard возвращает выборы исходной карточки из зеркала.
func (s *MirrorStore) ChoicesByCard(ctx context.Context, cardID string) ([]models.Choice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM choices WHERE card_id = ?`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list choices: %w", err)
	}
	defer rows.Close()

	var choices []models.Choice
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		var choice models.Choice
		if err := json.Unmarshal([]byte(payload), &choice); err != nil {
			return nil, fmt.Errorf("unmarshal choice: %w", err)
		}
		choices = append(choices, choice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	models.SortChoices(choices)
	return choices, nil
}

// DeleteChoice удаляет выбор из зеркала.
func (s *MirrorStore) DeleteChoice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM choices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete choice: %w", err)
	}
	return nil
}

// --- Очередь синхронизации (outbox) ---

// Enqueue добавляет отложенную мутацию в конец очереди.
func (s *MirrorStore) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	if item.ID == "" {
		return fmt.Errorf("queue item id is required")
	}
	if err := item.Payload.Validate(item.EntityType, item.Operation); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	if item.Status == "" {
		item.Status = models.SyncStatusPending
	}

	payload, err := item.MarshalPayload()
	if err != nil {
		return err
	}
	var payloadStr sql.NullString
	if payload != nil {
		payloadStr = sql.NullString{String: string(payload), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, enqueued_at, retry_count, status, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, item.ID, string(item.EntityType), item.EntityID, string(item.Operation),
		payloadStr, item.EnqueuedAt.UTC().UnixMilli(), item.RetryCount, string(item.Status), item.LastError)
	if err != nil {
		return fmt.Errorf("enqueue sync item: %w", err)
	}

	s.logger.Debug().
		Str("item_id", item.ID).
		Str("entity_type", string(item.EntityType)).
		Str("operation", string(item.Operation)).
		Msg("Sync item enqueued")
	return nil
}

// PendingItems возвращает все pending-элементы в порядке FIFO.
func (s *MirrorStore) PendingItems(ctx context.Context) ([]models.SyncQueueItem, error) {
	return s.itemsByStatus(ctx, models.SyncStatusPending)
}

// FailedItems возвращает элементы, исчерпавшие лимит попыток (dead letter).
func (s *MirrorStore) FailedItems(ctx context.Context) ([]models.SyncQueueItem, error) {
	return s.itemsByStatus(ctx, models.SyncStatusFailed)
}

func (s *MirrorStore) itemsByStatus(ctx context.Context, status models.SyncItemStatus) ([]models.SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, entity_type, entity_id, operation, payload, enqueued_at, retry_count, status, last_error
FROM sync_queue WHERE status = ? ORDER BY enqueued_at, seq
`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []models.SyncQueueItem
	for rows.Next() {
		var item models.SyncQueueItem
		var payload sql.NullString
		var enqueuedMs int64
		var lastErr sql.NullString
		if err := rows.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation,
			&payload, &enqueuedMs, &item.RetryCount, &item.Status, &lastErr); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
		if lastErr.Valid {
			item.LastError = &lastErr.String
		}
		if payload.Valid {
			if err := item.UnmarshalPayload([]byte(payload.String)); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkItemStatus обновляет статус элемента, увеличивая счетчик попыток.
func (s *MirrorStore) MarkItemStatus(ctx context.Context, id string, status models.SyncItemStatus, lastError string) error {
	var lastErr sql.NullString
	if lastError != "" {
		lastErr = sql.NullString{String: lastError, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_queue SET status = ?, retry_count = retry_count + 1, last_error = ? WHERE id = ?
`, string(status), lastErr, id)
	if err != nil {
		return fmt.Errorf("mark queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark queue item: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveItem удаляет элемент очереди после успешной синхронизации.
func (s *MirrorStore) RemoveItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}
	return nil
}

// PendingCount возвращает число элементов, ожидающих синхронизации.
func (s *MirrorStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`,
		string(models.SyncStatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return count, nil
}

// RetryFailed возвращает dead-letter элементы в очередь со сброшенным
// счетчиком попыток. Явная операция: автоматических ретраев после
// исчерпания лимита не бывает.
func (s *MirrorStore) RetryFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_queue SET status = ?, retry_count = 0, last_error = NULL WHERE status = ?
`, string(models.SyncStatusPending), string(models.SyncStatusFailed))
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	if affected > 0 {
		s.logger.Info().Int64("count", affected).Msg("Dead-letter items requeued")
	}
	return int(affected), nil
}

// --- Метаданные ---

const metaLastSync = "last_sync"

// SetLastSync сохраняет время последней успешной синхронизации.
func (s *MirrorStore) SetLastSync(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, metaLastSync, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return nil
}

// LastSync возвращает время последней успешной синхронизации.
// Нулевое время означает, что синхронизация еще не выполнялась.
func (s *MirrorStore) LastSync(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metaLastSync).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last sync: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sync: %w", err)
	}
	return t, nil
}
