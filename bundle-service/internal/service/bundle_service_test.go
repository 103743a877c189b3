package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storystack-server/bundle-service/internal/compiler"
	messagingmocks "storystack-server/bundle-service/internal/messaging/mocks"
	repomocks "storystack-server/bundle-service/internal/repository/mocks"
	"storystack-server/shared/interfaces"
	"storystack-server/shared/models"
)

type cachedChecksum struct {
	checksum  string
	updatedAt time.Time
}

type fakeChecksumCache struct {
	values map[uuid.UUID]cachedChecksum
}

func newFakeChecksumCache() *fakeChecksumCache {
	return &fakeChecksumCache{values: make(map[uuid.UUID]cachedChecksum)}
}

func (c *fakeChecksumCache) Get(_ context.Context, stackID uuid.UUID, updatedAt time.Time) string {
	entry, ok := c.values[stackID]
	if !ok || !entry.updatedAt.Equal(updatedAt) {
		return ""
	}
	return entry.checksum
}

func (c *fakeChecksumCache) Set(_ context.Context, stackID uuid.UUID, checksum string, updatedAt time.Time) error {
	c.values[stackID] = cachedChecksum{checksum: checksum, updatedAt: updatedAt}
	return nil
}

func (c *fakeChecksumCache) Invalidate(_ context.Context, stackID uuid.UUID) {
	delete(c.values, stackID)
}

type serviceFixture struct {
	stackRepo  *repomocks.StoryStackRepository
	cardRepo   *repomocks.StoryCardRepository
	choiceRepo *repomocks.ChoiceRepository
	charRepo   *repomocks.CharacterRepository
	publisher  *messagingmocks.BundleEventPublisher
	cache      *fakeChecksumCache
	svc        BundleService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		stackRepo:  new(repomocks.StoryStackRepository),
		cardRepo:   new(repomocks.StoryCardRepository),
		choiceRepo: new(repomocks.ChoiceRepository),
		charRepo:   new(repomocks.CharacterRepository),
		publisher:  new(messagingmocks.BundleEventPublisher),
		cache:      newFakeChecksumCache(),
	}
	f.svc = NewBundleService(
		nil,
		f.stackRepo,
		f.cardRepo,
		f.choiceRepo,
		f.charRepo,
		compiler.NewCompiler(nil, zap.NewNop()),
		f.cache,
		f.publisher,
		zap.NewNop(),
	)
	return f
}

const fixtureOwnerID = uint64(42)

// buildGraph создает стек из двух карточек и одного валидного выбора.
func buildGraph(t *testing.T) (*models.StoryStack, []models.StoryCard, []models.Choice) {
	t.Helper()
	stackID := uuid.New()
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	cardA := models.StoryCard{
		ID:         uuid.New(),
		StackID:    stackID,
		Title:      "Начало",
		Content:    "Вы стоите на развилке.",
		OrderIndex: 0,
		CreatedAt:  base,
	}
	cardB := models.StoryCard{
		ID:         uuid.New(),
		StackID:    stackID,
		Title:      "Лес",
		Content:    "Тропа уходит в чащу.",
		OrderIndex: 1,
		CreatedAt:  base.Add(time.Minute),
	}
	choice := models.Choice{
		ID:           uuid.New(),
		CardID:       cardA.ID,
		Label:        "Идти в лес",
		TargetCardID: cardB.ID,
		OrderIndex:   0,
		CreatedAt:    base,
	}
	stack := &models.StoryStack{
		ID:        stackID,
		OwnerID:   fixtureOwnerID,
		Name:      "Тестовая история",
		Slug:      "testovaya-istoriya",
		UpdatedAt: base.Add(time.Hour),
	}
	return stack, []models.StoryCard{cardA, cardB}, []models.Choice{choice}
}

func (f *serviceFixture) expectGraph(stack *models.StoryStack, cards []models.StoryCard, choices []models.Choice) {
	f.stackRepo.On("GetByID", mock.Anything, mock.Anything, stack.ID).Return(stack, nil)
	f.cardRepo.On("ListByStack", mock.Anything, mock.Anything, stack.ID).Return(cards, nil)
	f.choiceRepo.On("ListByStack", mock.Anything, mock.Anything, stack.ID).Return(choices, nil)
	f.charRepo.On("ListByStack", mock.Anything, mock.Anything, stack.ID).Return([]models.Character{}, nil)
}

func TestBundleService_Compile(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)
		f.publisher.On("PublishBundleEvent", mock.Anything, mock.MatchedBy(func(e interfaces.BundleEvent) bool {
			return e.Type == interfaces.EventBundleCompiled && e.StackID == stack.ID.String()
		})).Return(nil)

		stats, err := f.svc.Compile(ctx, fixtureOwnerID, stack.ID, models.DefaultCompileOptions())
		require.NoError(t, err)
		require.NotNil(t, stats)
		assert.Equal(t, 2, stats.CardCount)
		assert.Equal(t, 1, stats.ChoiceCount)
		assert.NotEmpty(t, stats.Checksum)
		assert.Greater(t, stats.BundleBytes, int64(0))
		assert.Equal(t, stats.Checksum, f.cache.Get(ctx, stack.ID, stack.UpdatedAt))
		f.publisher.AssertExpectations(t)
	})

	t.Run("Forbidden", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)

		_, err := f.svc.Compile(ctx, fixtureOwnerID+1, stack.ID, models.DefaultCompileOptions())
		assert.ErrorIs(t, err, models.ErrForbidden)
		f.publisher.AssertNotCalled(t, "PublishBundleEvent", mock.Anything, mock.Anything)
	})

	t.Run("StackNotFound", func(t *testing.T) {
		f := newServiceFixture(t)
		missing := uuid.New()
		f.stackRepo.On("GetByID", mock.Anything, mock.Anything, missing).Return(nil, interfaces.ErrNotFound)

		_, err := f.svc.Compile(ctx, fixtureOwnerID, missing, models.DefaultCompileOptions())
		assert.ErrorIs(t, err, models.ErrStackNotFound)
	})

	t.Run("DanglingTargetFailsValidation", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		choices[0].TargetCardID = uuid.New() // цель вне стека
		f.expectGraph(stack, cards, choices)

		_, err := f.svc.Compile(ctx, fixtureOwnerID, stack.ID, models.DefaultCompileOptions())
		require.Error(t, err)
		ve, ok := AsValidationError(err)
		require.True(t, ok, "expected *ValidationError, got %v", err)
		require.Len(t, ve.Errors, 1)
		assert.Contains(t, ve.Errors[0], choices[0].TargetCardID.String())
		f.publisher.AssertNotCalled(t, "PublishBundleEvent", mock.Anything, mock.Anything)
	})

	t.Run("EmptyStackFails", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, _, _ := buildGraph(t)
		f.expectGraph(stack, []models.StoryCard{}, []models.Choice{})

		_, err := f.svc.Compile(ctx, fixtureOwnerID, stack.ID, models.DefaultCompileOptions())
		assert.ErrorIs(t, err, models.ErrEmptyStack)
	})
}

func TestBundleService_CheckForUpdates(t *testing.T) {
	ctx := context.Background()

	t.Run("StaleChecksumMatchesFreshCompile", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)
		f.publisher.On("PublishBundleEvent", mock.Anything, mock.Anything).Return(nil)

		result, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, "stale-checksum")
		require.NoError(t, err)
		assert.True(t, result.HasUpdates)
		assert.Equal(t, 2, result.CardCount)
		assert.Equal(t, 1, result.ChoiceCount)
		assert.Equal(t, stack.UpdatedAt, result.UpdatedAt)

		// Дешевая проверка и полная компиляция сходятся в одной сумме.
		stats, err := f.svc.Compile(ctx, fixtureOwnerID, stack.ID, models.DefaultCompileOptions())
		require.NoError(t, err)
		assert.Equal(t, stats.Checksum, result.Checksum)
	})

	t.Run("MatchingChecksumMeansNoUpdates", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)

		first, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, "")
		require.NoError(t, err)
		require.True(t, first.HasUpdates)

		second, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, first.Checksum)
		require.NoError(t, err)
		assert.False(t, second.HasUpdates)
		assert.Equal(t, first.Checksum, second.Checksum)
	})

	t.Run("CacheHitSkipsRecompile", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)
		// Запись вычислена для текущего UpdatedAt стека — попадание.
		require.NoError(t, f.cache.Set(ctx, stack.ID, "cached-sum", stack.UpdatedAt))

		result, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, "cached-sum")
		require.NoError(t, err)
		assert.False(t, result.HasUpdates)
		assert.Equal(t, "cached-sum", result.Checksum)
	})

	t.Run("ContentChangeBypassesCachedChecksum", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)
		f.publisher.On("PublishBundleEvent", mock.Anything, mock.Anything).Return(nil)

		first, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, "")
		require.NoError(t, err)
		require.NotEmpty(t, f.cache.values[stack.ID].checksum, "first check must prime the cache")

		// Правка содержимого сдвигает UpdatedAt стека; кешированная запись
		// для прежнего UpdatedAt больше не попадание.
		cards[0].Content = "Вы стоите у реки."
		stack.UpdatedAt = stack.UpdatedAt.Add(time.Minute)

		second, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, first.Checksum)
		require.NoError(t, err)
		assert.True(t, second.HasUpdates)
		assert.NotEqual(t, first.Checksum, second.Checksum)

		// Сумма после мутации совпадает со свежей полной компиляцией.
		stats, err := f.svc.Compile(ctx, fixtureOwnerID, stack.ID, models.DefaultCompileOptions())
		require.NoError(t, err)
		assert.Equal(t, stats.Checksum, second.Checksum)
	})

	t.Run("StaleCacheEntryRecomputesChecksum", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)
		// Запись для прошлого UpdatedAt не должна обслуживаться.
		require.NoError(t, f.cache.Set(ctx, stack.ID, "stale-sum", stack.UpdatedAt.Add(-time.Hour)))

		result, err := f.svc.CheckForUpdates(ctx, fixtureOwnerID, stack.ID, "stale-sum")
		require.NoError(t, err)
		assert.True(t, result.HasUpdates)
		assert.NotEqual(t, "stale-sum", result.Checksum)
	})
}

func TestBundleService_Export(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownFormat", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, _, _ := buildGraph(t)

		_, err := f.svc.Export(ctx, fixtureOwnerID, stack.ID, "tarball")
		assert.ErrorIs(t, err, models.ErrUnknownFormat)
	})

	t.Run("JSONBundle", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)

		artifact, err := f.svc.Export(ctx, fixtureOwnerID, stack.ID, ExportFormatJSON)
		require.NoError(t, err)
		assert.Equal(t, "testovaya-istoriya.json", artifact.Filename)
		assert.Equal(t, "application/json", artifact.ContentType)
		assert.True(t, strings.Contains(string(artifact.Data), `"version"`))
	})

	t.Run("BinaryBundleIsCompressed", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)

		artifact, err := f.svc.Export(ctx, fixtureOwnerID, stack.ID, ExportFormatBinary)
		require.NoError(t, err)
		assert.Equal(t, "testovaya-istoriya.bundle", artifact.Filename)
		assert.Equal(t, "application/octet-stream", artifact.ContentType)

		decompressed, err := compiler.DecompressData(artifact.Data)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(decompressed), `"checksum"`))
	})

	t.Run("HTMLBundleIsSelfContained", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		f.expectGraph(stack, cards, choices)

		artifact, err := f.svc.Export(ctx, fixtureOwnerID, stack.ID, ExportFormatHTML)
		require.NoError(t, err)
		assert.Equal(t, "testovaya-istoriya.html", artifact.Filename)
		assert.Equal(t, "text/html; charset=utf-8", artifact.ContentType)
		page := string(artifact.Data)
		assert.Contains(t, page, stack.Name)
		assert.NotContains(t, page, "http://")
	})

	t.Run("ValidationFailureRejectsExport", func(t *testing.T) {
		f := newServiceFixture(t)
		stack, cards, choices := buildGraph(t)
		choices[0].TargetCardID = uuid.New()
		f.expectGraph(stack, cards, choices)

		_, err := f.svc.Export(ctx, fixtureOwnerID, stack.ID, ExportFormatJSON)
		require.Error(t, err)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve))
	})
}
