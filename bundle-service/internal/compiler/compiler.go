package compiler

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storystack-server/shared/models"
)

// AssetFetcher загружает байты ассета по внешней ссылке.
// Возвращает содержимое и MIME-тип. Реализуется поверх blob-хранилища
// оригиналов изображений.
type AssetFetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// Compiler компилирует изменяемый граф истории в неизменяемый бандл.
// Компиляция — чистое вычисление без разделяемого состояния, поэтому
// несколько компиляций могут выполняться параллельно без координации.
type Compiler struct {
	assets AssetFetcher
	logger *zap.Logger
}

// NewCompiler создает компилятор бандлов.
// assets может быть nil, если встраивание ассетов не используется.
func NewCompiler(assets AssetFetcher, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		assets: assets,
		logger: logger.Named("BundleCompiler"),
	}
}

// assetRef — ссылка на изображение, собранная при обходе графа.
type assetRef struct {
	id  string
	url string
}

// Compile выполняет шаги компиляции по порядку: сборка data-секции,
// сборка metadata, опциональное встраивание ассетов, вычисление
// структурной контрольной суммы, сборка секции ассетов и проверка лимита
// размера бандла. Шаги (a), (b) и (d) — чистые функции входного графа:
// контрольная сумма не зависит от опций встраивания и сжатия.
func (c *Compiler) Compile(
	ctx context.Context,
	stack *models.StoryStack,
	cards []models.StoryCard,
	choices []models.Choice,
	characters []models.Character,
	opts models.CompileOptions,
) (*models.CompiledBundle, error) {
	if stack == nil {
		return nil, fmt.Errorf("%w: stack is nil", models.ErrInvalidInput)
	}
	if len(cards) == 0 {
		return nil, models.ErrEmptyStack
	}

	// (a) Структурная секция.
	data, refs := assembleData(stack, cards, choices, characters)

	// (b) Метаданные. CompiledAt и Debug не участвуют в контрольной сумме.
	metadata := models.BundleMetadata{
		Name:           stack.Name,
		Description:    stack.Description,
		CardCount:      len(data.Cards),
		ChoiceCount:    len(data.Choices),
		CharacterCount: len(data.Characters),
		CompiledAt:     time.Now().UTC(),
	}
	if opts.IncludeDebugInfo {
		metadata.Debug = &models.BundleDebugInfo{StackID: stack.ID.String()}
	}

	// (d) Контрольная сумма считается до сборки ассетов: она определена
	// только над структурными секциями.
	checksum, err := StructuralChecksum(metadata, data)
	if err != nil {
		return nil, err
	}

	// (c)+(e) Секция ассетов: встроенные data URI либо внешние ссылки.
	assetsSection, err := c.assembleAssets(ctx, refs, opts)
	if err != nil {
		return nil, err
	}

	bundle := &models.CompiledBundle{
		Version:  models.BundleVersion,
		Format:   opts.TargetFormat,
		Metadata: metadata,
		Data:     data,
		Assets:   *assetsSection,
		Checksum: checksum,
	}
	if bundle.Format == "" {
		bundle.Format = models.FormatBinary
	}

	// (f) Лимит размера применяется к полностью собранному бандлу.
	if opts.MaxBundleSize > 0 {
		encoded, err := BundleToBytes(bundle, false)
		if err != nil {
			return nil, err
		}
		if int64(len(encoded)) > opts.MaxBundleSize {
			return nil, fmt.Errorf("%w: %d bytes > limit %d", models.ErrBundleTooLarge, len(encoded), opts.MaxBundleSize)
		}
	}

	c.logger.Debug("Bundle compiled",
		zap.String("stackID", stack.ID.String()),
		zap.String("checksum", checksum),
		zap.Int("cards", metadata.CardCount),
		zap.Int("choices", metadata.ChoiceCount),
	)
	return bundle, nil
}

// assembleData собирает структурную секцию бандла в детерминированном
// порядке: карточки и выборы по (order_index, created_at, id), персонажи
// по (order_index, id). Повторно возвращает список ссылок на изображения.
func assembleData(
	stack *models.StoryStack,
	cards []models.StoryCard,
	choices []models.Choice,
	characters []models.Character,
) (models.BundleData, []assetRef) {
	sortedCards := make([]models.StoryCard, len(cards))
	copy(sortedCards, cards)
	models.SortCards(sortedCards)

	sortedChoices := make([]models.Choice, len(choices))
	copy(sortedChoices, choices)
	models.SortChoices(sortedChoices)

	sortedChars := make([]models.Character, len(characters))
	copy(sortedChars, characters)
	models.SortCharacters(sortedChars)

	var refs []assetRef
	data := models.BundleData{
		Cards:      make([]models.BundleCard, 0, len(sortedCards)),
		Choices:    make([]models.BundleChoice, 0, len(sortedChoices)),
		Characters: make([]models.BundleCharacter, 0, len(sortedChars)),
	}

	for _, card := range sortedCards {
		bc := models.BundleCard{
			ID:         card.ID.String(),
			Title:      card.Title,
			Content:    card.Content,
			Script:     card.Script,
			OrderIndex: card.OrderIndex,
		}
		if card.ImageURL != nil && *card.ImageURL != "" {
			bc.ImageID = assetID(card.ID)
			refs = append(refs, assetRef{id: bc.ImageID, url: *card.ImageURL})
		}
		data.Cards = append(data.Cards, bc)
	}

	for _, choice := range sortedChoices {
		data.Choices = append(data.Choices, models.BundleChoice{
			ID:           choice.ID.String(),
			CardID:       choice.CardID.String(),
			Label:        choice.Label,
			TargetCardID: choice.TargetCardID.String(),
			OrderIndex:   choice.OrderIndex,
		})
	}

	for _, char := range sortedChars {
		bch := models.BundleCharacter{
			ID:          char.ID.String(),
			Name:        char.Name,
			Description: char.Description,
		}
		if char.ImageURL != nil && *char.ImageURL != "" {
			bch.ImageID = assetID(char.ID)
			refs = append(refs, assetRef{id: bch.ImageID, url: *char.ImageURL})
		}
		data.Characters = append(data.Characters, bch)
	}

	// Входная точка: firstCardId стека, либо первая карточка по порядку.
	entry := ""
	if stack.FirstCardID != nil {
		entry = stack.FirstCardID.String()
	} else if len(data.Cards) > 0 {
		entry = data.Cards[0].ID
	}
	data.Navigation = models.BundleNavigation{EntryCardID: entry}

	return data, refs
}

// assembleAssets собирает секцию ассетов. При EmbedAssets каждый ассет
// загружается и кодируется как data URI; превышение MaxAssetSize —
// ошибка компиляции, ассет не пропускается молча.
func (c *Compiler) assembleAssets(ctx context.Context, refs []assetRef, opts models.CompileOptions) (*models.BundleAssets, error) {
	section := &models.BundleAssets{Images: make([]models.AssetRecord, 0, len(refs))}

	for _, ref := range refs {
		if !opts.EmbedAssets {
			section.Images = append(section.Images, models.AssetRecord{ID: ref.id, URL: ref.url})
			continue
		}

		if c.assets == nil {
			return nil, fmt.Errorf("%w: no asset fetcher configured", models.ErrAssetFetchFailed)
		}
		payload, contentType, err := c.assets.Fetch(ctx, ref.url)
		if err != nil {
			return nil, fmt.Errorf("%w: asset %s: %v", models.ErrAssetFetchFailed, ref.id, err)
		}
		if opts.MaxAssetSize > 0 && int64(len(payload)) > opts.MaxAssetSize {
			return nil, fmt.Errorf("%w: asset %s is %d bytes (limit %d)", models.ErrAssetTooLarge, ref.id, len(payload), opts.MaxAssetSize)
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		record := models.AssetRecord{
			ID:      ref.id,
			DataURI: fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(payload)),
			Bytes:   int64(len(payload)),
		}
		section.Images = append(section.Images, record)
		section.TotalBytes += record.Bytes
	}

	return section, nil
}

func assetID(ownerID uuid.UUID) string {
	return "img_" + ownerID.String()
}
