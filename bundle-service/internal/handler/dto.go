package handler

import (
	"time"

	"storystack-server/shared/models"
)

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"` // Список ошибок валидатора, дословно
}

// compileRequest — тело запроса POST /stacks/:id/compile.
// Отсутствующие опции берутся из значений по умолчанию.
type compileRequest struct {
	Options *compileOptionsDTO `json:"options,omitempty"`
}

type compileOptionsDTO struct {
	EmbedAssets      *bool  `json:"embedAssets,omitempty"`
	CompressAssets   *bool  `json:"compressAssets,omitempty"`
	MaxAssetSize     *int64 `json:"maxAssetSize,omitempty"`
	MaxBundleSize    *int64 `json:"maxBundleSize,omitempty"`
	IncludeDebugInfo *bool  `json:"includeDebugInfo,omitempty"`
	OptimizeForSize  *bool  `json:"optimizeForSize,omitempty"`
	TargetFormat     string `json:"targetFormat,omitempty"`
}

// toCompileOptions накладывает переданные опции поверх значений по умолчанию.
func (d *compileOptionsDTO) toCompileOptions() models.CompileOptions {
	opts := models.DefaultCompileOptions()
	if d == nil {
		return opts
	}
	if d.EmbedAssets != nil {
		opts.EmbedAssets = *d.EmbedAssets
	}
	if d.CompressAssets != nil {
		opts.CompressAssets = *d.CompressAssets
	}
	if d.MaxAssetSize != nil {
		opts.MaxAssetSize = *d.MaxAssetSize
	}
	if d.MaxBundleSize != nil {
		opts.MaxBundleSize = *d.MaxBundleSize
	}
	if d.IncludeDebugInfo != nil {
		opts.IncludeDebugInfo = *d.IncludeDebugInfo
	}
	if d.OptimizeForSize != nil {
		opts.OptimizeForSize = *d.OptimizeForSize
	}
	if d.TargetFormat != "" {
		opts.TargetFormat = models.BundleFormat(d.TargetFormat)
	}
	return opts
}

// compileStatsResponse — статистика компиляции без байтов бандла.
type compileStatsResponse struct {
	StackID        string `json:"stackId"`
	CardCount      int    `json:"cardCount"`
	ChoiceCount    int    `json:"choiceCount"`
	CharacterCount int    `json:"characterCount"`
	AssetCount     int    `json:"assetCount"`
	AssetBytes     int64  `json:"assetBytes"`
	BundleBytes    int64  `json:"bundleBytes"`
	DurationMs     int64  `json:"durationMs"`
	Checksum       string `json:"checksum"`
}

func newCompileStatsResponse(stats *models.CompileStats) compileStatsResponse {
	return compileStatsResponse{
		StackID:        stats.StackID.String(),
		CardCount:      stats.CardCount,
		ChoiceCount:    stats.ChoiceCount,
		CharacterCount: stats.CharacterCount,
		AssetCount:     stats.AssetCount,
		AssetBytes:     stats.AssetBytes,
		BundleBytes:    stats.BundleBytes,
		DurationMs:     stats.Duration.Milliseconds(),
		Checksum:       stats.Checksum,
	}
}

// updateCheckRequest — тело запроса POST /stacks/:id/updates.
type updateCheckRequest struct {
	Checksum string `json:"checksum,omitempty"`
	Full     bool   `json:"full,omitempty"` // Вернуть полный бандл вместо результата проверки
}

type updateCheckResponse struct {
	HasUpdates  bool      `json:"hasUpdates"`
	Checksum    string    `json:"checksum"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CardCount   int       `json:"cardCount"`
	ChoiceCount int       `json:"choiceCount"`
}
