package interfaces

import (
	"context"

	"github.com/google/uuid"

	"storystack-server/shared/models"
)

// StoryStackRepository определяет операции чтения/записи стеков историй.
type StoryStackRepository interface {
	Create(ctx context.Context, querier DBTX, stack *models.StoryStack) error
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.StoryStack, error)
	ListByOwner(ctx context.Context, querier DBTX, ownerID uint64) ([]models.StoryStack, error)
	Update(ctx context.Context, querier DBTX, stack *models.StoryStack) error
	Delete(ctx context.Context, querier DBTX, id uuid.UUID) error
}

// StoryCardRepository определяет операции над карточками историй.
type StoryCardRepository interface {
	Create(ctx context.Context, querier DBTX, card *models.StoryCard) error
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.StoryCard, error)
	// ListByStack возвращает карточки стека, отсортированные по
	// (order_index, created_at, id).
	ListByStack(ctx context.Context, querier DBTX, stackID uuid.UUID) ([]models.StoryCard, error)
	Update(ctx context.Context, querier DBTX, card *models.StoryCard) error
	Delete(ctx context.Context, querier DBTX, id uuid.UUID) error
}

// ChoiceRepository определяет операции над выборами.
type ChoiceRepository interface {
	Create(ctx context.Context, querier DBTX, choice *models.Choice) error
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.Choice, error)
	// ListByStack возвращает все выборы стека (через принадлежность карточек),
	// отсортированные по (order_index, created_at, id).
	ListByStack(ctx context.Context, querier DBTX, stackID uuid.UUID) ([]models.Choice, error)
	Update(ctx context.Context, querier DBTX, choice *models.Choice) error
	Delete(ctx context.Context, querier DBTX, id uuid.UUID) error
}

// CharacterRepository определяет операции над персонажами стека.
type CharacterRepository interface {
	ListByStack(ctx context.Context, querier DBTX, stackID uuid.UUID) ([]models.Character, error)
}
