package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storystack-server/shared/interfaces"
	"storystack-server/shared/models"
)

// Compile-time check
var _ interfaces.CharacterRepository = (*pgCharacterRepository)(nil)

type pgCharacterRepository struct {
	logger *zap.Logger
}

// NewPgCharacterRepository создает репозиторий персонажей.
func NewPgCharacterRepository(logger *zap.Logger) interfaces.CharacterRepository {
	return &pgCharacterRepository{logger: logger.Named("PgCharacterRepo")}
}

func (r *pgCharacterRepository) ListByStack(ctx context.Context, querier interfaces.DBTX, stackID uuid.UUID) ([]models.Character, error) {
	query := `
        SELECT id, stack_id, name, description, image_url, order_index, created_at, updated_at
        FROM characters
        WHERE stack_id = $1
        ORDER BY order_index, id
    `
	var characters []models.Character
	if err := pgxscan.Select(ctx, querier, &characters, query, stackID); err != nil {
		r.logger.Error("Failed to list characters", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	return characters, nil
}
