package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType определяет тип сущности, к которой относится элемент очереди синхронизации.
type EntityType string

const (
	EntityStoryStack EntityType = "storyStack"
	EntityStoryCard  EntityType = "storyCard"
	EntityChoice     EntityType = "choice"
)

// SyncOperation определяет операцию, которую нужно воспроизвести на сервере.
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
)

// SyncItemStatus определяет статус элемента очереди.
type SyncItemStatus string

const (
	SyncStatusPending SyncItemStatus = "pending"
	// SyncStatusFailed — элемент исчерпал лимит попыток (dead letter).
	// Больше не обрабатывается автоматически, требует явного RetryFailed.
	SyncStatusFailed SyncItemStatus = "failed"
)

// MaxSyncRetries — общее число попыток обработки элемента очереди,
// после которого он переводится в статус failed.
const MaxSyncRetries = 3

// SyncPayload — размеченное объединение полезных нагрузок очереди.
// Ровно одно поле должно быть не-nil, в соответствии с EntityType элемента.
// Заменяет нетипизированный blob: диспетчер переключается по типу исчерпывающе.
type SyncPayload struct {
	Stack  *StoryStack `json:"stack,omitempty"`
	Card   *StoryCard  `json:"card,omitempty"`
	Choice *Choice     `json:"choice,omitempty"`
}

// Validate проверяет, что полезная нагрузка согласована с типом сущности.
// Для операции delete нагрузка отсутствует.
func (p *SyncPayload) Validate(entityType EntityType, op SyncOperation) error {
	if op == OpDelete {
		return nil
	}
	if p == nil {
		return fmt.Errorf("payload required for %s operation", op)
	}
	switch entityType {
	case EntityStoryStack:
		if p.Stack == nil {
			return fmt.Errorf("payload.stack required for entity type %s", entityType)
		}
	case EntityStoryCard:
		if p.Card == nil {
			return fmt.Errorf("payload.card required for entity type %s", entityType)
		}
	case EntityChoice:
		if p.Choice == nil {
			return fmt.Errorf("payload.choice required for entity type %s", entityType)
		}
	default:
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	return nil
}

// SyncQueueItem представляет отложенную мутацию в durable-очереди (outbox).
// Создаётся при мутации в офлайне, удаляется после успешного применения на сервере.
type SyncQueueItem struct {
	ID         string         `json:"id" db:"id"`
	EntityType EntityType     `json:"entity_type" db:"entity_type"`
	EntityID   string         `json:"entity_id" db:"entity_id"` // Может быть temp id до успешной синхронизации
	Operation  SyncOperation  `json:"operation" db:"operation"`
	Payload    *SyncPayload   `json:"payload,omitempty" db:"-"`
	EnqueuedAt time.Time      `json:"enqueued_at" db:"enqueued_at"`
	RetryCount int            `json:"retry_count" db:"retry_count"`
	Status     SyncItemStatus `json:"status" db:"status"`
	LastError  *string        `json:"last_error,omitempty" db:"last_error"`
}

// MarshalPayload сериализует полезную нагрузку для хранения в очереди.
func (i *SyncQueueItem) MarshalPayload() ([]byte, error) {
	if i.Payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(i.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload восстанавливает полезную нагрузку из хранимого JSON.
func (i *SyncQueueItem) UnmarshalPayload(data []byte) error {
	if len(data) == 0 {
		i.Payload = nil
		return nil
	}
	payload := &SyncPayload{}
	if err := json.Unmarshal(data, payload); err != nil {
		return fmt.Errorf("failed to unmarshal sync payload: %w", err)
	}
	i.Payload = payload
	return nil
}
