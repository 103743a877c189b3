package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"storystack-server/shared/interfaces"
	"storystack-server/shared/models"
)

// Compile-time check
var _ interfaces.StoryCardRepository = (*pgCardRepository)(nil)

const cardFields = `id, stack_id, title, content, script, image_url, order_index, created_at, updated_at`

type pgCardRepository struct {
	logger *zap.Logger
}

// NewPgCardRepository создает репозиторий карточек историй.
func NewPgCardRepository(logger *zap.Logger) interfaces.StoryCardRepository {
	return &pgCardRepository{logger: logger.Named("PgCardRepo")}
}

func (r *pgCardRepository) Create(ctx context.Context, querier interfaces.DBTX, card *models.StoryCard) error {
	query := `
        INSERT INTO story_cards
            (id, stack_id, title, content, script, image_url, order_index, created_at, updated_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
    `
	_, err := querier.Exec(ctx, query,
		card.ID,
		card.StackID,
		card.Title,
		card.Content,
		card.Script,
		card.ImageURL,
		card.OrderIndex,
	)
	if err != nil {
		r.logger.Error("Failed to create story card",
			zap.String("cardID", card.ID.String()), zap.String("stackID", card.StackID.String()), zap.Error(err))
		return fmt.Errorf("failed to create story card: %w", err)
	}
	return nil
}

func (r *pgCardRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.StoryCard, error) {
	query := fmt.Sprintf(`SELECT %s FROM story_cards WHERE id = $1`, cardFields)
	var card models.StoryCard
	err := pgxscan.Get(ctx, querier, &card, query, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get story card: %w", err)
	}
	return &card, nil
}

func (r *pgCardRepository) ListByStack(ctx context.Context, querier interfaces.DBTX, stackID uuid.UUID) ([]models.StoryCard, error) {
	// Дубликаты order_index допустимы: порядок разрешается стабильно.
	query := fmt.Sprintf(`SELECT %s FROM story_cards WHERE stack_id = $1 ORDER BY order_index, created_at, id`, cardFields)
	var cards []models.StoryCard
	if err := pgxscan.Select(ctx, querier, &cards, query, stackID); err != nil {
		r.logger.Error("Failed to list story cards", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list story cards: %w", err)
	}
	return cards, nil
}

func (r *pgCardRepository) Update(ctx context.Context, querier interfaces.DBTX, card *models.StoryCard) error {
	query := `
        UPDATE story_cards
        SET title = $2, content = $3, script = $4, image_url = $5, order_index = $6, updated_at = NOW()
        WHERE id = $1
    `
	tag, err := querier.Exec(ctx, query,
		card.ID,
		card.Title,
		card.Content,
		card.Script,
		card.ImageURL,
		card.OrderIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to update story card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *pgCardRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	tag, err := querier.Exec(ctx, `DELETE FROM story_cards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete story card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
