package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BundleVersion — текущая версия формата скомпилированного бандла.
const BundleVersion = "1.0"

// BundleFormat определяет целевой формат компиляции.
// Исторический формат "wasm" переименован в "binary": полезная нагрузка —
// сериализованная структура данных, а не исполняемый байткод.
type BundleFormat string

const (
	FormatBinary BundleFormat = "binary"
	FormatJSON   BundleFormat = "json"
)

// CompileOptions управляет компиляцией бандла.
// Превышение лимитов приводит к ошибке компиляции, а не к усечению артефакта.
type CompileOptions struct {
	EmbedAssets      bool         `json:"embedAssets"`      // Встраивать изображения как data URI
	CompressAssets   bool         `json:"compressAssets"`   // Сжимать итоговый байтовый поток
	MaxAssetSize     int64        `json:"maxAssetSize"`     // Лимит на один ассет, байты
	MaxBundleSize    int64        `json:"maxBundleSize"`    // Лимит на весь бандл, байты
	IncludeDebugInfo bool         `json:"includeDebugInfo"` // Включить отладочные метаданные
	OptimizeForSize  bool         `json:"optimizeForSize"`  // Опускать необязательные поля
	TargetFormat     BundleFormat `json:"targetFormat"`
}

// DefaultCompileOptions возвращает настройки компиляции по умолчанию.
func DefaultCompileOptions() CompileOptions {
	return CompileOptions{
		EmbedAssets:    true,
		CompressAssets: true,
		MaxAssetSize:   5 * 1024 * 1024,   // 5 MiB на ассет
		MaxBundleSize:  100 * 1024 * 1024, // 100 MiB на бандл
		TargetFormat:   FormatBinary,
	}
}

// BundleCard — карточка внутри бандла, без серверных полей.
type BundleCard struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	Script     json.RawMessage `json:"script,omitempty"`
	ImageID    string          `json:"imageId,omitempty"`
	OrderIndex int             `json:"orderIndex"`
}

// BundleChoice — выбор внутри бандла.
type BundleChoice struct {
	ID           string `json:"id"`
	CardID       string `json:"cardId"`
	Label        string `json:"label"`
	TargetCardID string `json:"targetCardId"`
	OrderIndex   int    `json:"orderIndex"`
}

// BundleCharacter — персонаж внутри бандла.
type BundleCharacter struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageID     string `json:"imageId,omitempty"`
}

// BundleNavigation описывает входную точку графа истории.
type BundleNavigation struct {
	EntryCardID string `json:"entryCardId"`
}

// BundleData — структурная секция бандла. Участвует в вычислении
// структурной контрольной суммы.
type BundleData struct {
	Cards      []BundleCard      `json:"cards"`
	Choices    []BundleChoice    `json:"choices"`
	Characters []BundleCharacter `json:"characters"`
	Navigation BundleNavigation  `json:"navigation"`
}

// BundleMetadata — метаданные бандла. Поля CompiledAt и Debug не входят
// в контрольную сумму: она должна быть стабильной между компиляциями
// логически идентичного содержимого.
type BundleMetadata struct {
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	CardCount      int              `json:"cardCount"`
	ChoiceCount    int              `json:"choiceCount"`
	CharacterCount int              `json:"characterCount"`
	CompiledAt     time.Time        `json:"compiledAt"`
	Debug          *BundleDebugInfo `json:"debug,omitempty"`
}

// BundleDebugInfo — опциональные отладочные сведения (IncludeDebugInfo).
type BundleDebugInfo struct {
	StackID     string `json:"stackId"`
	CompilerRev string `json:"compilerRev,omitempty"`
}

// AssetRecord описывает один ассет бандла: либо встроенный data URI,
// либо внешняя ссылка — ровно одно из двух.
type AssetRecord struct {
	ID      string `json:"id"`
	DataURI string `json:"dataUri,omitempty"`
	URL     string `json:"url,omitempty"`
	Bytes   int64  `json:"bytes"`
}

// BundleAssets — секция ассетов бандла.
type BundleAssets struct {
	Images     []AssetRecord `json:"images"`
	TotalBytes int64         `json:"totalBytes"`
}

// CompiledBundle — неизменяемый, версионированный артефакт компиляции.
// После создания не имеет обратных ссылок на живой граф.
type CompiledBundle struct {
	Version  string         `json:"version"`
	Format   BundleFormat   `json:"format"`
	Metadata BundleMetadata `json:"metadata"`
	Data     BundleData     `json:"data"`
	Assets   BundleAssets   `json:"assets"`
	Checksum string         `json:"checksum"` // Структурная контрольная сумма (data+metadata без volatile-полей)
}

// CompileStats — статистика успешной компиляции, возвращаемая API
// без самих байтов бандла.
type CompileStats struct {
	StackID        uuid.UUID     `json:"stackId"`
	CardCount      int           `json:"cardCount"`
	ChoiceCount    int           `json:"choiceCount"`
	CharacterCount int           `json:"characterCount"`
	AssetCount     int           `json:"assetCount"`
	AssetBytes     int64         `json:"assetBytes"`
	BundleBytes    int64         `json:"bundleBytes"`
	Duration       time.Duration `json:"durationMs"`
	Checksum       string        `json:"checksum"`
}

// UpdateCheckResult — результат дешёвой проверки обновлений по контрольной сумме.
type UpdateCheckResult struct {
	HasUpdates  bool      `json:"hasUpdates"`
	Checksum    string    `json:"checksum"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CardCount   int       `json:"cardCount"`
	ChoiceCount int       `json:"choiceCount"`
}
