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
var _ interfaces.StoryStackRepository = (*pgStackRepository)(nil)

const stackFields = `id, owner_id, name, description, published, published_at, slug, first_card_id, art_style, created_at, updated_at`

type pgStackRepository struct {
	logger *zap.Logger
}

// NewPgStackRepository создает репозиторий стеков историй.
func NewPgStackRepository(logger *zap.Logger) interfaces.StoryStackRepository {
	return &pgStackRepository{logger: logger.Named("PgStackRepo")}
}

func (r *pgStackRepository) Create(ctx context.Context, querier interfaces.DBTX, stack *models.StoryStack) error {
	query := `
        INSERT INTO story_stacks
            (id, owner_id, name, description, published, published_at, slug, first_card_id, art_style, created_at, updated_at)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
    `
	logFields := []zap.Field{zap.String("stackID", stack.ID.String()), zap.Uint64("ownerID", stack.OwnerID)}
	r.logger.Debug("Creating story stack", logFields...)

	_, err := querier.Exec(ctx, query,
		stack.ID,
		stack.OwnerID,
		stack.Name,
		stack.Description,
		stack.Published,
		stack.PublishedAt,
		stack.Slug,
		stack.FirstCardID,
		stack.ArtStyle,
	)
	if err != nil {
		r.logger.Error("Failed to create story stack", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to create story stack: %w", err)
	}
	r.logger.Info("Story stack created", logFields...)
	return nil
}

func (r *pgStackRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.StoryStack, error) {
	query := fmt.Sprintf(`SELECT %s FROM story_stacks WHERE id = $1`, stackFields)
	var stack models.StoryStack
	err := pgxscan.Get(ctx, querier, &stack, query, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		r.logger.Error("Failed to get story stack", zap.String("stackID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get story stack: %w", err)
	}
	return &stack, nil
}

func (r *pgStackRepository) ListByOwner(ctx context.Context, querier interfaces.DBTX, ownerID uint64) ([]models.StoryStack, error) {
	query := fmt.Sprintf(`SELECT %s FROM story_stacks WHERE owner_id = $1 ORDER BY updated_at DESC`, stackFields)
	var stacks []models.StoryStack
	if err := pgxscan.Select(ctx, querier, &stacks, query, ownerID); err != nil {
		r.logger.Error("Failed to list story stacks", zap.Uint64("ownerID", ownerID), zap.Error(err))
		return nil, fmt.Errorf("failed to list story stacks: %w", err)
	}
	return stacks, nil
}

func (r *pgStackRepository) Update(ctx context.Context, querier interfaces.DBTX, stack *models.StoryStack) error {
	query := `
        UPDATE story_stacks
        SET name = $2, description = $3, published = $4, published_at = $5,
            slug = $6, first_card_id = $7, art_style = $8, updated_at = NOW()
        WHERE id = $1
    `
	tag, err := querier.Exec(ctx, query,
		stack.ID,
		stack.Name,
		stack.Description,
		stack.Published,
		stack.PublishedAt,
		stack.Slug,
		stack.FirstCardID,
		stack.ArtStyle,
	)
	if err != nil {
		r.logger.Error("Failed to update story stack", zap.String("stackID", stack.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to update story stack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *pgStackRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	// Каскадное удаление карточек/выборов обеспечивается внешними ключами в схеме.
	tag, err := querier.Exec(ctx, `DELETE FROM story_stacks WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete story stack", zap.String("stackID", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete story stack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Info("Story stack deleted", zap.String("stackID", id.String()))
	return nil
}
