package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storystack-server/bundle-service/internal/compiler"
	"storystack-server/shared/interfaces"
	"storystack-server/shared/models"
	"storystack-server/shared/utils"
)

// Экспортные форматы API. "binary-bundle" — байтовый артефакт,
// "json-bundle" — читаемый JSON, "html-bundle" — автономный офлайн-плеер.
const (
	ExportFormatBinary = "binary-bundle"
	ExportFormatJSON   = "json-bundle"
	ExportFormatHTML   = "html-bundle"
)

// ChecksumCache — кеш контрольных сумм стеков. Реализуется поверх Redis;
// промах или ошибка кеша приводят к пересчету, а не к отказу.
// Запись привязана к UpdatedAt стека на момент вычисления суммы:
// после мутации стека запись с устаревшим UpdatedAt считается промахом.
type ChecksumCache interface {
	Get(ctx context.Context, stackID uuid.UUID, updatedAt time.Time) string
	Set(ctx context.Context, stackID uuid.UUID, checksum string, updatedAt time.Time) error
	Invalidate(ctx context.Context, stackID uuid.UUID)
}

// ExportArtifact — готовый к выдаче экспортный артефакт.
type ExportArtifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// BundleService определяет операции компиляции и выдачи бандлов.
type BundleService interface {
	// Compile компилирует стек и возвращает статистику без байтов бандла.
	// Ошибки валидатора возвращаются как *ValidationError.
	Compile(ctx context.Context, userID uint64, stackID uuid.UUID, opts models.CompileOptions) (*models.CompileStats, error)
	// CheckForUpdates — дешёвая проверка обновлений по контрольной сумме.
	CheckForUpdates(ctx context.Context, userID uint64, stackID uuid.UUID, clientChecksum string) (*models.UpdateCheckResult, error)
	// GetBundle компилирует и возвращает полный бандл по явному запросу.
	GetBundle(ctx context.Context, userID uint64, stackID uuid.UUID, opts models.CompileOptions) (*models.CompiledBundle, error)
	// Export компилирует стек и кодирует его в запрошенный экспортный формат.
	Export(ctx context.Context, userID uint64, stackID uuid.UUID, format string) (*ExportArtifact, error)
}

type bundleServiceImpl struct {
	db         interfaces.DBTX
	stackRepo  interfaces.StoryStackRepository
	cardRepo   interfaces.StoryCardRepository
	choiceRepo interfaces.ChoiceRepository
	charRepo   interfaces.CharacterRepository
	compiler   *compiler.Compiler
	cache      ChecksumCache
	publisher  interfaces.BundleEventPublisher
	logger     *zap.Logger
}

// NewBundleService создает сервис бандлов.
// cache и publisher могут быть nil: проверка обновлений тогда всегда
// пересчитывает сумму, а события не публикуются.
func NewBundleService(
	db interfaces.DBTX,
	stackRepo interfaces.StoryStackRepository,
	cardRepo interfaces.StoryCardRepository,
	choiceRepo interfaces.ChoiceRepository,
	charRepo interfaces.CharacterRepository,
	comp *compiler.Compiler,
	cache ChecksumCache,
	publisher interfaces.BundleEventPublisher,
	logger *zap.Logger,
) BundleService {
	return &bundleServiceImpl{
		db:         db,
		stackRepo:  stackRepo,
		cardRepo:   cardRepo,
		choiceRepo: choiceRepo,
		charRepo:   charRepo,
		compiler:   comp,
		cache:      cache,
		publisher:  publisher,
		logger:     logger.Named("BundleService"),
	}
}

// storyGraph — снимок живого графа стека, загруженный одним проходом.
type storyGraph struct {
	stack      *models.StoryStack
	cards      []models.StoryCard
	choices    []models.Choice
	characters []models.Character
}

// loadGraph загружает стек и проверяет владельца. Чтение доступно только
// автору стека.
func (s *bundleServiceImpl) loadGraph(ctx context.Context, userID uint64, stackID uuid.UUID) (*storyGraph, error) {
	stack, err := s.stackRepo.GetByID(ctx, s.db, stackID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrStackNotFound
		}
		s.logger.Error("Failed to load stack", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, ErrInternal
	}
	if stack.OwnerID != userID {
		s.logger.Warn("Stack access denied",
			zap.String("stackID", stackID.String()),
			zap.Uint64("ownerID", stack.OwnerID),
			zap.Uint64("userID", userID))
		return nil, models.ErrForbidden
	}

	cards, err := s.cardRepo.ListByStack(ctx, s.db, stackID)
	if err != nil {
		s.logger.Error("Failed to load cards", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, ErrInternal
	}
	choices, err := s.choiceRepo.ListByStack(ctx, s.db, stackID)
	if err != nil {
		s.logger.Error("Failed to load choices", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, ErrInternal
	}
	characters, err := s.charRepo.ListByStack(ctx, s.db, stackID)
	if err != nil {
		s.logger.Error("Failed to load characters", zap.String("stackID", stackID.String()), zap.Error(err))
		return nil, ErrInternal
	}

	return &storyGraph{stack: stack, cards: cards, choices: choices, characters: characters}, nil
}

// compileGraph компилирует загруженный граф и прогоняет бандл через
// валидатор. Невалидный бандл никогда не покидает сервис.
func (s *bundleServiceImpl) compileGraph(ctx context.Context, graph *storyGraph, opts models.CompileOptions) (*models.CompiledBundle, error) {
	bundle, err := s.compiler.Compile(ctx, graph.stack, graph.cards, graph.choices, graph.characters, opts)
	if err != nil {
		return nil, err
	}

	result := compiler.Validate(bundle)
	if !result.Valid {
		return nil, &ValidationError{Errors: result.Errors}
	}
	return bundle, nil
}

// Compile компилирует стек и возвращает статистику компиляции.
func (s *bundleServiceImpl) Compile(ctx context.Context, userID uint64, stackID uuid.UUID, opts models.CompileOptions) (*models.CompileStats, error) {
	logFields := []zap.Field{
		zap.String("stackID", stackID.String()),
		zap.Uint64("userID", userID),
	}
	s.logger.Info("Compile requested", logFields...)
	started := time.Now()

	graph, err := s.loadGraph(ctx, userID, stackID)
	if err != nil {
		return nil, err
	}

	bundle, err := s.compileGraph(ctx, graph, opts)
	if err != nil {
		if ve, ok := AsValidationError(err); ok {
			s.logger.Warn("Bundle validation failed", append(logFields, zap.Strings("errors", ve.Errors))...)
		}
		return nil, err
	}

	encoded, err := compiler.BundleToBytes(bundle, false)
	if err != nil {
		s.logger.Error("Failed to encode compiled bundle", append(logFields, zap.Error(err))...)
		return nil, ErrInternal
	}
	bundleBytes := int64(len(encoded))
	if opts.CompressAssets {
		compressed, cErr := compiler.CompressData(encoded)
		if cErr != nil {
			s.logger.Error("Failed to compress compiled bundle", append(logFields, zap.Error(cErr))...)
			return nil, ErrInternal
		}
		bundleBytes = int64(len(compressed))
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, stackID, bundle.Checksum, graph.stack.UpdatedAt); err != nil {
			// Кеш не критичен: проверка обновлений пересчитает сумму сама.
			s.logger.Warn("Failed to cache bundle checksum", append(logFields, zap.Error(err))...)
		}
	}

	if s.publisher != nil {
		event := interfaces.BundleEvent{
			Type:      interfaces.EventBundleCompiled,
			StackID:   stackID.String(),
			Checksum:  bundle.Checksum,
			Timestamp: time.Now().UTC(),
		}
		if err := s.publisher.PublishBundleEvent(ctx, event); err != nil {
			s.logger.Error("Failed to publish bundle compiled event", append(logFields, zap.Error(err))...)
		}
	}

	stats := &models.CompileStats{
		StackID:        stackID,
		CardCount:      bundle.Metadata.CardCount,
		ChoiceCount:    bundle.Metadata.ChoiceCount,
		CharacterCount: bundle.Metadata.CharacterCount,
		AssetCount:     len(bundle.Assets.Images),
		AssetBytes:     bundle.Assets.TotalBytes,
		BundleBytes:    bundleBytes,
		Duration:       time.Since(started),
		Checksum:       bundle.Checksum,
	}
	s.logger.Info("Compile completed",
		append(logFields,
			zap.String("checksum", stats.Checksum),
			zap.Int64("bundleBytes", stats.BundleBytes),
			zap.Duration("duration", stats.Duration))...)
	return stats, nil
}

// CheckForUpdates сравнивает контрольную сумму клиента с актуальной.
// Актуальная сумма берется из кеша, а при промахе вычисляется дешевой
// компиляцией без встраивания ассетов: сумма по построению не зависит
// от опций встраивания и сжатия. Кеш учитывается только если его запись
// вычислена для текущего UpdatedAt стека, иначе сумма после мутации
// оставалась бы устаревшей до истечения TTL.
func (s *bundleServiceImpl) CheckForUpdates(ctx context.Context, userID uint64, stackID uuid.UUID, clientChecksum string) (*models.UpdateCheckResult, error) {
	logFields := []zap.Field{
		zap.String("stackID", stackID.String()),
		zap.Uint64("userID", userID),
	}

	graph, err := s.loadGraph(ctx, userID, stackID)
	if err != nil {
		return nil, err
	}

	checksum := ""
	if s.cache != nil {
		checksum = s.cache.Get(ctx, stackID, graph.stack.UpdatedAt)
	}
	if checksum == "" {
		cheapOpts := models.CompileOptions{
			EmbedAssets:  false,
			TargetFormat: models.FormatJSON,
		}
		bundle, err := s.compileGraph(ctx, graph, cheapOpts)
		if err != nil {
			return nil, err
		}
		checksum = bundle.Checksum
		if s.cache != nil {
			if err := s.cache.Set(ctx, stackID, checksum, graph.stack.UpdatedAt); err != nil {
				s.logger.Warn("Failed to cache bundle checksum", append(logFields, zap.Error(err))...)
			}
		}
	}

	result := &models.UpdateCheckResult{
		HasUpdates:  checksum != clientChecksum,
		Checksum:    checksum,
		UpdatedAt:   graph.stack.UpdatedAt,
		CardCount:   len(graph.cards),
		ChoiceCount: len(graph.choices),
	}
	s.logger.Debug("Update check completed",
		append(logFields,
			zap.Bool("hasUpdates", result.HasUpdates),
			zap.String("checksum", checksum))...)
	return result, nil
}

// GetBundle компилирует и возвращает полный бандл.
func (s *bundleServiceImpl) GetBundle(ctx context.Context, userID uint64, stackID uuid.UUID, opts models.CompileOptions) (*models.CompiledBundle, error) {
	graph, err := s.loadGraph(ctx, userID, stackID)
	if err != nil {
		return nil, err
	}
	return s.compileGraph(ctx, graph, opts)
}

// Export компилирует стек и кодирует результат в запрошенный формат.
func (s *bundleServiceImpl) Export(ctx context.Context, userID uint64, stackID uuid.UUID, format string) (*ExportArtifact, error) {
	logFields := []zap.Field{
		zap.String("stackID", stackID.String()),
		zap.Uint64("userID", userID),
		zap.String("format", format),
	}
	s.logger.Info("Export requested", logFields...)

	opts := models.DefaultCompileOptions()
	switch format {
	case ExportFormatBinary:
		opts.TargetFormat = models.FormatBinary
	case ExportFormatJSON, ExportFormatHTML:
		opts.TargetFormat = models.FormatJSON
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownFormat, format)
	}

	graph, err := s.loadGraph(ctx, userID, stackID)
	if err != nil {
		return nil, err
	}
	bundle, err := s.compileGraph(ctx, graph, opts)
	if err != nil {
		if ve, ok := AsValidationError(err); ok {
			s.logger.Warn("Export rejected by validator", append(logFields, zap.Strings("errors", ve.Errors))...)
		}
		return nil, err
	}

	base := graph.stack.Slug
	if base == "" {
		base = utils.Slugify(graph.stack.Name)
	}

	artifact := &ExportArtifact{}
	switch format {
	case ExportFormatBinary:
		encoded, err := compiler.BundleToBytes(bundle, false)
		if err != nil {
			s.logger.Error("Failed to encode bundle for export", append(logFields, zap.Error(err))...)
			return nil, ErrInternal
		}
		if opts.CompressAssets {
			encoded, err = compiler.CompressData(encoded)
			if err != nil {
				s.logger.Error("Failed to compress bundle for export", append(logFields, zap.Error(err))...)
				return nil, ErrInternal
			}
		}
		artifact.Data = encoded
		artifact.Filename = base + ".bundle"
		artifact.ContentType = "application/octet-stream"
	case ExportFormatJSON:
		encoded, err := compiler.BundleToBytes(bundle, true)
		if err != nil {
			s.logger.Error("Failed to encode bundle for export", append(logFields, zap.Error(err))...)
			return nil, ErrInternal
		}
		artifact.Data = encoded
		artifact.Filename = base + ".json"
		artifact.ContentType = "application/json"
	case ExportFormatHTML:
		page, err := compiler.RenderOfflinePlayer(bundle)
		if err != nil {
			s.logger.Error("Failed to render offline player", append(logFields, zap.Error(err))...)
			return nil, ErrInternal
		}
		artifact.Data = page
		artifact.Filename = base + ".html"
		artifact.ContentType = "text/html; charset=utf-8"
	}

	s.logger.Info("Export completed",
		append(logFields,
			zap.String("filename", artifact.Filename),
			zap.Int("bytes", len(artifact.Data)))...)
	return artifact, nil
}
