package compiler_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystack-server/bundle-service/internal/compiler"
	"storystack-server/shared/models"
)

// fakeAssetFetcher возвращает заранее заданные байты для любого URL.
type fakeAssetFetcher struct {
	data        map[string][]byte
	contentType string
	err         error
}

func (f *fakeAssetFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	data, ok := f.data[url]
	if !ok {
		return nil, "", fmt.Errorf("unknown asset url: %s", url)
	}
	ct := f.contentType
	if ct == "" {
		ct = "image/png"
	}
	return data, ct, nil
}

func strPtr(s string) *string { return &s }

// buildTestStack собирает стек из 3 карточек и 2 выборов.
func buildTestStack(t *testing.T) (*models.StoryStack, []models.StoryCard, []models.Choice, []models.Character) {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stackID := uuid.New()
	cardA := models.StoryCard{ID: uuid.New(), StackID: stackID, Title: "Opening", Content: "You wake up.", OrderIndex: 0, CreatedAt: base}
	cardB := models.StoryCard{ID: uuid.New(), StackID: stackID, Title: "Forest", Content: "Trees everywhere.", OrderIndex: 1, CreatedAt: base.Add(time.Minute)}
	cardC := models.StoryCard{ID: uuid.New(), StackID: stackID, Title: "Cave", Content: "It is dark.", OrderIndex: 2, CreatedAt: base.Add(2 * time.Minute)}
	cardB.ImageURL = strPtr("https://assets.example.com/forest.png")

	choices := []models.Choice{
		{ID: uuid.New(), CardID: cardA.ID, Label: "Go to the forest", TargetCardID: cardB.ID, OrderIndex: 0, CreatedAt: base},
		{ID: uuid.New(), CardID: cardA.ID, Label: "Enter the cave", TargetCardID: cardC.ID, OrderIndex: 1, CreatedAt: base},
	}
	characters := []models.Character{
		{ID: uuid.New(), StackID: stackID, Name: "Narrator", Description: "Unseen voice", OrderIndex: 0},
	}
	stack := &models.StoryStack{
		ID:          stackID,
		OwnerID:     42,
		Name:        "Test Adventure",
		Description: "A tiny test stack",
		Slug:        "test-adventure",
		FirstCardID: &cardA.ID,
	}
	return stack, []models.StoryCard{cardA, cardB, cardC}, choices, characters
}

func TestCompile_ChecksumStableAcrossOptions(t *testing.T) {
	stack, cards, choices, characters := buildTestStack(t)
	fetcher := &fakeAssetFetcher{data: map[string][]byte{
		"https://assets.example.com/forest.png": []byte("png-bytes-here"),
	}}
	c := compiler.NewCompiler(fetcher, nil)
	ctx := context.Background()

	variants := []models.CompileOptions{
		{EmbedAssets: false, TargetFormat: models.FormatBinary},
		{EmbedAssets: true, TargetFormat: models.FormatBinary},
		{EmbedAssets: true, CompressAssets: true, TargetFormat: models.FormatBinary},
		{EmbedAssets: false, OptimizeForSize: true, TargetFormat: models.FormatJSON},
	}

	var checksums []string
	for _, opts := range variants {
		bundle, err := c.Compile(ctx, stack, cards, choices, characters, opts)
		require.NoError(t, err)
		checksums = append(checksums, bundle.Checksum)
	}

	for i := 1; i < len(checksums); i++ {
		assert.Equal(t, checksums[0], checksums[i], "checksum must not depend on embed/compress/optimize options")
	}
}

func TestCompile_ChecksumChangesWithContent(t *testing.T) {
	stack, cards, choices, characters := buildTestStack(t)
	c := compiler.NewCompiler(nil, nil)
	ctx := context.Background()

	before, err := c.Compile(ctx, stack, cards, choices, characters, models.CompileOptions{})
	require.NoError(t, err)

	cards[0].Content = "You wake up... again."
	after, err := c.Compile(ctx, stack, cards, choices, characters, models.CompileOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, before.Checksum, after.Checksum)
}

func TestCompile_EmptyStackFails(t *testing.T) {
	stack, _, _, _ := buildTestStack(t)
	c := compiler.NewCompiler(nil, nil)

	bundle, err := c.Compile(context.Background(), stack, nil, nil, nil, models.CompileOptions{})
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, models.ErrEmptyStack)
}

func TestCompile_EntryNode(t *testing.T) {
	t.Run("Uses firstCardId when set", func(t *testing.T) {
		stack, cards, choices, characters := buildTestStack(t)
		c := compiler.NewCompiler(nil, nil)
		bundle, err := c.Compile(context.Background(), stack, cards, choices, characters, models.CompileOptions{})
		require.NoError(t, err)
		assert.Equal(t, stack.FirstCardID.String(), bundle.Data.Navigation.EntryCardID)
	})

	t.Run("Falls back to first card by order", func(t *testing.T) {
		stack, cards, choices, characters := buildTestStack(t)
		stack.FirstCardID = nil
		c := compiler.NewCompiler(nil, nil)
		bundle, err := c.Compile(context.Background(), stack, cards, choices, characters, models.CompileOptions{})
		require.NoError(t, err)
		assert.Equal(t, cards[0].ID.String(), bundle.Data.Navigation.EntryCardID)
	})
}

func TestCompile_CardOrderingIsStable(t *testing.T) {
	stack, cards, choices, characters := buildTestStack(t)
	// Дублируем order_index: сортировка должна стабильно разрешать по created_at.
	cards[2].OrderIndex = cards[1].OrderIndex
	c := compiler.NewCompiler(nil, nil)

	bundle, err := c.Compile(context.Background(), stack, cards, choices, characters, models.CompileOptions{})
	require.NoError(t, err)
	require.Len(t, bundle.Data.Cards, 3)
	assert.Equal(t, "Forest", bundle.Data.Cards[1].Title)
	assert.Equal(t, "Cave", bundle.Data.Cards[2].Title)
}

func TestCompile_EmbedAssets(t *testing.T) {
	t.Run("Embeds as data URI", func(t *testing.T) {
		stack, cards, choices, characters := buildTestStack(t)
		fetcher := &fakeAssetFetcher{data: map[string][]byte{
			"https://assets.example.com/forest.png": []byte("png-bytes-here"),
		}}
		c := compiler.NewCompiler(fetcher, nil)

		bundle, err := c.Compile(context.Background(), stack, cards, choices, characters,
			models.CompileOptions{EmbedAssets: true})
		require.NoError(t, err)
		require.Len(t, bundle.Assets.Images, 1)
		assert.True(t, strings.HasPrefix(bundle.Assets.Images[0].DataURI, "data:image/png;base64,"))
		assert.Equal(t, int64(len("png-bytes-here")), bundle.Assets.TotalBytes)
	})

	t.Run("References URL when embedding disabled", func(t *testing.T) {
		stack, cards, choices, characters := buildTestStack(t)
		c := compiler.NewCompiler(nil, nil)

		bundle, err := c.Compile(context.Background(), stack, cards, choices, characters,
			models.CompileOptions{EmbedAssets: false})
		require.NoError(t, err)
		require.Len(t, bundle.Assets.Images, 1)
		assert.Empty(t, bundle.Assets.Images[0].DataURI)
		assert.Equal(t, "https://assets.example.com/forest.png", bundle.Assets.Images[0].URL)
	})

	t.Run("Oversized asset fails compile", func(t *testing.T) {
		stack, cards, choices, characters := buildTestStack(t)
		fetcher := &fakeAssetFetcher{data: map[string][]byte{
			"https://assets.example.com/forest.png": make([]byte, 2048),
		}}
		c := compiler.NewCompiler(fetcher, nil)

		_, err := c.Compile(context.Background(), stack, cards, choices, characters,
			models.CompileOptions{EmbedAssets: true, MaxAssetSize: 1024})
		assert.ErrorIs(t, err, models.ErrAssetTooLarge)
	})
}

func TestCompile_BundleSizeLimit(t *testing.T) {
	stack, cards, choices, characters := buildTestStack(t)
	c := compiler.NewCompiler(nil, nil)

	_, err := c.Compile(context.Background(), stack, cards, choices, characters,
		models.CompileOptions{MaxBundleSize: 64})
	assert.ErrorIs(t, err, models.ErrBundleTooLarge)
}
