package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"storystack-server/bundle-service/internal/compiler"
)

// Проверка реализации интерфейса во время компиляции.
var _ compiler.AssetFetcher = (*HTTPFetcher)(nil)

// HTTPFetcher загружает ассеты по HTTP(S). Размер ответа ограничивается
// вызывающей стороной через CompileOptions, здесь применяется только
// жесткий потолок чтения.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewHTTPFetcher создает загрузчик ассетов с заданным таймаутом.
// maxBytes ограничивает чтение тела ответа; 0 означает 32 MiB.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, logger *zap.Logger) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger.Named("AssetFetcher"),
	}
}

// Fetch загружает ассет и возвращает его байты вместе с MIME-типом.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build asset request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("Asset fetch failed", zap.String("url", url), zap.Error(err))
		return nil, "", fmt.Errorf("failed to fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Warn("Asset fetch returned non-200", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, "", fmt.Errorf("asset fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read asset body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("asset exceeds read limit of %d bytes", f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	return data, contentType, nil
}
