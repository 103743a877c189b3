package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"storystack-server/shared/models"
)

// checksumEnvelope — каноническое представление структурных секций бандла
// для хеширования. Содержит только data и стабильную часть metadata:
// volatile-поля (CompiledAt, Debug) исключены, чтобы контрольная сумма
// совпадала между компиляциями логически идентичного содержимого
// независимо от опций EmbedAssets/CompressAssets/OptimizeForSize.
type checksumEnvelope struct {
	Version     string            `json:"version"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	CardCount   int               `json:"cardCount"`
	ChoiceCount int               `json:"choiceCount"`
	CharCount   int               `json:"charCount"`
	Data        models.BundleData `json:"data"`
}

// StructuralChecksum вычисляет структурную контрольную сумму бандла:
// SHA-256 от детерминированной JSON-сериализации data+metadata.
// Порядок элементов внутри Data фиксируется компилятором (см. assembleData),
// порядок полей JSON — объявлением структур, поэтому сериализация стабильна.
func StructuralChecksum(metadata models.BundleMetadata, data models.BundleData) (string, error) {
	envelope := checksumEnvelope{
		Version:     models.BundleVersion,
		Name:        metadata.Name,
		Description: metadata.Description,
		CardCount:   metadata.CardCount,
		ChoiceCount: metadata.ChoiceCount,
		CharCount:   metadata.CharacterCount,
		Data:        data,
	}

	serialized, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to serialize checksum envelope: %w", err)
	}

	hash := sha256.Sum256(serialized)
	return hex.EncodeToString(hash[:]), nil
}
