package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storystack-server/shared/interfaces"
	"storystack-server/shared/models"
)

// Mock StoryStackRepository
type StoryStackRepository struct {
	mock.Mock
}

func (m *StoryStackRepository) Create(ctx context.Context, querier interfaces.DBTX, stack *models.StoryStack) error {
	args := m.Called(ctx, querier, stack)
	return args.Error(0)
}
func (m *StoryStackRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.StoryStack, error) {
	args := m.Called(ctx, querier, id)
	stack, _ := args.Get(0).(*models.StoryStack)
	return stack, args.Error(1)
}
func (m *StoryStackRepository) ListByOwner(ctx context.Context, querier interfaces.DBTX, ownerID uint64) ([]models.StoryStack, error) {
	args := m.Called(ctx, querier, ownerID)
	stacks, _ := args.Get(0).([]models.StoryStack)
	return stacks, args.Error(1)
}
func (m *StoryStackRepository) Update(ctx context.Context, querier interfaces.DBTX, stack *models.StoryStack) error {
	args := m.Called(ctx, querier, stack)
	return args.Error(0)
}
func (m *StoryStackRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}

// Mock StoryCardRepository
type StoryCardRepository struct {
	mock.Mock
}

func (m *StoryCardRepository) Create(ctx context.Context, querier interfaces.DBTX, card *models.StoryCard) error {
	args := m.Called(ctx, querier, card)
	return args.Error(0)
}
func (m *StoryCardRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.StoryCard, error) {
	args := m.Called(ctx, querier, id)
	card, _ := args.Get(0).(*models.StoryCard)
	return card, args.Error(1)
}
func (m *StoryCardRepository) ListByStack(ctx context.Context, querier interfaces.DBTX, stackID uuid.UUID) ([]models.StoryCard, error) {
	args := m.Called(ctx, querier, stackID)
	cards, _ := args.Get(0).([]models.StoryCard)
	return cards, args.Error(1)
}
func (m *StoryCardRepository) Update(ctx context.Context, querier interfaces.DBTX, card *models.StoryCard) error {
	args := m.Called(ctx, querier, card)
	return args.Error(0)
}
func (m *StoryCardRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}

// Mock ChoiceRepository
type ChoiceRepository struct {
	mock.Mock
}

func (m *ChoiceRepository) Create(ctx context.Context, querier interfaces.DBTX, choice *models.Choice) error {
	args := m.Called(ctx, querier, choice)
	return args.Error(0)
}
func (m *ChoiceRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.Choice, error) {
	args := m.Called(ctx, querier, id)
	choice, _ := args.Get(0).(*models.Choice)
	return choice, args.Error(1)
}
func (m *ChoiceRepository) ListByStack(ctx context.Context, querier interfaces.DBTX, stackID uuid.UUID) ([]models.Choice, error) {
	args := m.Called(ctx, querier, stackID)
	choices, _ := args.Get(0).([]models.Choice)
	return choices, args.Error(1)
}
func (m *ChoiceRepository) Update(ctx context.Context, querier interfaces.DBTX, choice *models.Choice) error {
	args := m.Called(ctx, querier, choice)
	return args.Error(0)
}
func (m *ChoiceRepository) Delete(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}

// Mock CharacterRepository
type CharacterRepository struct {
	mock.Mock
}

func (m *CharacterRepository) ListByStack(ctx context.Context, querier interfaces.DBTX, stackID uuid.UUID) ([]models.Character, error) {
	args := m.Called(ctx, querier, stackID)
	chars, _ := args.Get(0).([]models.Character)
	return chars, args.Error(1)
}
