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
var _ interfaces.ChoiceRepository = (*pgChoiceRepository)(nil)

const choiceFields = `id, card_id, label, target_card_id, order_index, created_at, updated_at`

type pgChoiceRepository struct {
	logger *zap.Logger
}

// NewPgChoiceRepository создает репозиторий выборов.
func NewPgChoiceRepository(logger *zap.Logger) interfaces.ChoiceRepository {
	return &pgChoiceRepository{logger: logger.Named("PgChoiceRepo")}
}

func (r *pgChoiceRepository) Create(ctx context.Context, querier interfaces.DBTX, choice *models.Choice) error {
	// target_card_id намеренно не проверяется внешним ключом: висячая цель
	// допустима в живом графе и отклоняется только валидатором бандла.
	query := `
        INSERT INTO choices
            (id, card_id, label, target_card_id, order_index, created_at, updated_at)
        VALUES
            ($1, $2, $3, $4, $5, NOW(), NOW())
    `
	_, err := querier.Exec(ctx, query,
		choice.ID,
		choice.CardID,
		choice.Label,
		choice.TargetCardID,
		choice.OrderIndex,
	)
	if err != nil {
		r.logger.Error("Failed to create choice", zap.String("choiceID", choice.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to create choice: %w", err)
	}
	return nil
}

func (r *pgChoiceRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.Choice, error) {
	query := fmt.Sprintf(`SELECT %s FROM choices WHERE id = $1`, choiceFields)
	var choice models.Choice
	err := pgxscan.Get(ctx, querier, &choice, query, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get choice: %w", err)
	}
	return &choice, nil
}

func (r *pgChoiceRepository) ListByStack(ctx context.Context, querier interfaces.DBTX, stackID uuid.UUID) ([]models.Choice, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM choices
        WHERE card_id IN (SELECT id FROM story_cards WHERE stack_id = $1)
        ORDER BY order_index, created_at, id`, choiceFields)
	var choices []models.Choice
	if err := pgxscan.Select(ctx, querier, &choices, query, stackID); err != nil {
		r.logger.Error("Failed to list choices", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list choices: %w", err)
	}
	return choices, nil
}

func (r *pgChoiceRepository) Update(ctx context.Context, querier interfaces.DBTX, choice *models.Choice) error {
	query := `
        UPDATE choices
        SET label = $2, target_card_id = $3, order_index = $4, updated_at = NOW()
        WHERE id = $1
    `
	tag, err := querier.Exec(ctx, query, choice.ID, choice.Label, choice.TargetCardID, choice.OrderIndex)
	if err != nil {
		return fmt.Errorf("failed to update choice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *pgChoiceRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	tag, err := querier.Exec(ctx, `DELETE FROM choices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete choice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
