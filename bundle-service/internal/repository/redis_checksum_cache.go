package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// checksumKeyPrefix — префикс ключей кеша контрольных сумм в Redis.
const checksumKeyPrefix = "bundle:checksum:"

// checksumEntry — хранимая запись кеша: сумма и UpdatedAt стека,
// для которого она была вычислена.
type checksumEntry struct {
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChecksumCache кеширует структурную контрольную сумму стека, чтобы
// протокол дешёвой проверки обновлений мог не перекомпилировать стек
// на каждый запрос. Запись привязана к UpdatedAt стека: после мутации
// стека она перестает считаться попаданием. Дополнительно запись
// ограничена TTL и явно сбрасывается событием stack_updated.
type ChecksumCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewChecksumCache создает кеш контрольных сумм поверх существующего клиента Redis.
func NewChecksumCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ChecksumCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChecksumCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("ChecksumCache"),
	}
}

// Get возвращает кешированную сумму стека или пустую строку при промахе.
// Запись, вычисленная для другого UpdatedAt, — промах. Ошибка Redis
// деградирует до промаха: кеш не должен ломать протокол.
func (c *ChecksumCache) Get(ctx context.Context, stackID uuid.UUID, updatedAt time.Time) string {
	val, err := c.client.Get(ctx, checksumKeyPrefix+stackID.String()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Checksum cache read failed", zap.String("stackID", stackID.String()), zap.Error(err))
		}
		return ""
	}

	var entry checksumEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		c.logger.Warn("Checksum cache entry malformed", zap.String("stackID", stackID.String()), zap.Error(err))
		return ""
	}
	if !entry.UpdatedAt.Equal(updatedAt) {
		return ""
	}
	return entry.Checksum
}

// Set записывает сумму стека вместе с его UpdatedAt и TTL.
func (c *ChecksumCache) Set(ctx context.Context, stackID uuid.UUID, checksum string, updatedAt time.Time) error {
	data, err := json.Marshal(checksumEntry{Checksum: checksum, UpdatedAt: updatedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal checksum entry: %w", err)
	}
	if err := c.client.Set(ctx, checksumKeyPrefix+stackID.String(), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Checksum cache write failed", zap.String("stackID", stackID.String()), zap.Error(err))
		return fmt.Errorf("failed to cache checksum: %w", err)
	}
	return nil
}

// Invalidate удаляет кешированную сумму стека (вызывается при мутациях стека).
func (c *ChecksumCache) Invalidate(ctx context.Context, stackID uuid.UUID) {
	if err := c.client.Del(ctx, checksumKeyPrefix+stackID.String()).Err(); err != nil {
		c.logger.Warn("Checksum cache invalidation failed", zap.String("stackID", stackID.String()), zap.Error(err))
	}
}
