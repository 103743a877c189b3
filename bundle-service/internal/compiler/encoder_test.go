package compiler_test

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystack-server/bundle-service/internal/compiler"
	"storystack-server/shared/models"
)

func TestBundleToBytes_Deterministic(t *testing.T) {
	stack, cards, choices, characters := buildTestStack(t)
	c := compiler.NewCompiler(nil, nil)
	bundle, err := c.Compile(context.Background(), stack, cards, choices, characters, models.CompileOptions{})
	require.NoError(t, err)

	first, err := compiler.BundleToBytes(bundle, false)
	require.NoError(t, err)
	second, err := compiler.BundleToBytes(bundle, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCompressRoundTrip(t *testing.T) {
	original := []byte(strings.Repeat("story stack bundle payload ", 200))

	compressed, err := compiler.CompressData(original)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(original))

	restored, err := compiler.DecompressData(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestRenderOfflinePlayer(t *testing.T) {
	stack, cards, choices, characters := buildTestStack(t)
	c := compiler.NewCompiler(nil, nil)
	bundle, err := c.Compile(context.Background(), stack, cards, choices, characters, models.CompileOptions{})
	require.NoError(t, err)

	page, err := compiler.RenderOfflinePlayer(bundle)
	require.NoError(t, err)
	doc := string(page)

	assert.Contains(t, doc, "<title>Test Adventure</title>")
	// Бандл встроен целиком как base64 JSON.
	encoded, err := compiler.BundleToBytes(bundle, false)
	require.NoError(t, err)
	assert.Contains(t, doc, base64.StdEncoding.EncodeToString(encoded))
	// Плеер не должен ссылаться на внешние скрипты или стили.
	assert.NotContains(t, doc, "<script src=")
	assert.NotContains(t, doc, "<link ")
}
