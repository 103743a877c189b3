package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// StoryStack представляет стек истории — набор карточек с выборами,
// принадлежащий одному автору. Является корневой сущностью редактора.
type StoryStack struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	OwnerID     uint64          `json:"owner_id" db:"owner_id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Published   bool            `json:"published" db:"published"`
	PublishedAt *time.Time      `json:"published_at,omitempty" db:"published_at"`
	Slug        string          `json:"slug" db:"slug"`
	FirstCardID *uuid.UUID      `json:"first_card_id,omitempty" db:"first_card_id"` // Должен указывать на карточку этого же стека
	ArtStyle    json.RawMessage `json:"art_style,omitempty" db:"art_style"`         // Настройки стиля, непрозрачный JSON
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// StoryCard представляет одну карточку истории внутри стека.
type StoryCard struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	StackID    uuid.UUID       `json:"stack_id" db:"stack_id"`
	Title      string          `json:"title" db:"title"`
	Content    string          `json:"content" db:"content"`
	Script     json.RawMessage `json:"script,omitempty" db:"script"` // Опциональный скрипт/граф узлов
	ImageURL   *string         `json:"image_url,omitempty" db:"image_url"`
	OrderIndex int             `json:"order_index" db:"order_index"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Choice представляет переход между карточками: выбор на исходной карточке,
// ведущий к целевой. Висячий TargetCardID допустим в живом графе,
// но отклоняется валидатором при компиляции бандла.
type Choice struct {
	ID           uuid.UUID `json:"id" db:"id"`
	CardID       uuid.UUID `json:"card_id" db:"card_id"` // Исходная карточка
	Label        string    `json:"label" db:"label"`
	TargetCardID uuid.UUID `json:"target_card_id" db:"target_card_id"`
	OrderIndex   int       `json:"order_index" db:"order_index"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Character представляет персонажа стека, попадающего в скомпилированный бандл.
type Character struct {
	ID          uuid.UUID `json:"id" db:"id"`
	StackID     uuid.UUID `json:"stack_id" db:"stack_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	ImageURL    *string   `json:"image_url,omitempty" db:"image_url"`
	OrderIndex  int       `json:"order_index" db:"order_index"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SortCards сортирует карточки по (OrderIndex, CreatedAt, ID).
// Дубликаты OrderIndex допустимы и разрешаются стабильно, а не отклоняются.
func SortCards(cards []StoryCard) {
	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].OrderIndex != cards[j].OrderIndex {
			return cards[i].OrderIndex < cards[j].OrderIndex
		}
		if !cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].CreatedAt.Before(cards[j].CreatedAt)
		}
		return cards[i].ID.String() < cards[j].ID.String()
	})
}

// SortChoices сортирует выборы по (OrderIndex, CreatedAt, ID).
func SortChoices(choices []Choice) {
	sort.SliceStable(choices, func(i, j int) bool {
		if choices[i].OrderIndex != choices[j].OrderIndex {
			return choices[i].OrderIndex < choices[j].OrderIndex
		}
		if !choices[i].CreatedAt.Equal(choices[j].CreatedAt) {
			return choices[i].CreatedAt.Before(choices[j].CreatedAt)
		}
		return choices[i].ID.String() < choices[j].ID.String()
	})
}

// SortCharacters сортирует персонажей по (OrderIndex, ID).
func SortCharacters(chars []Character) {
	sort.SliceStable(chars, func(i, j int) bool {
		if chars[i].OrderIndex != chars[j].OrderIndex {
			return chars[i].OrderIndex < chars[j].OrderIndex
		}
		return chars[i].ID.String() < chars[j].ID.String()
	})
}
