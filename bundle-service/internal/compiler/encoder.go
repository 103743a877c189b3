package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"storystack-server/shared/models"
)

// BundleToBytes детерминированно кодирует бандл в байтовый поток.
// Формат "binary" — это сериализованная структура данных, а не исполняемый
// байткод. При pretty=true вывод форматируется с отступами (json-bundle).
func BundleToBytes(bundle *models.CompiledBundle, pretty bool) ([]byte, error) {
	if bundle == nil {
		return nil, fmt.Errorf("%w: bundle is nil", models.ErrInvalidInput)
	}
	var (
		encoded []byte
		err     error
	)
	if pretty {
		encoded, err = json.MarshalIndent(bundle, "", "  ")
	} else {
		encoded, err = json.Marshal(bundle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return encoded, nil
}

// CompressData применяет обратимое gzip-сжатие к байтовому потоку.
func CompressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gw.Write(data); err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("failed to compress data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize compressed data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressData разжимает поток, сжатый CompressData.
func DecompressData(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress data: %w", err)
	}
	return out, nil
}
