package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// defaultSecretsDir — стандартный путь Docker Secrets.
const defaultSecretsDir = "/run/secrets"

// secretsDir возвращает каталог секретов. SECRETS_DIR позволяет
// переопределить его в локальной разработке без compose.
func secretsDir() string {
	if dir := os.Getenv("SECRETS_DIR"); dir != "" {
		return dir
	}
	return defaultSecretsDir
}

// ReadSecret читает секрет из файла в каталоге секретов.
func ReadSecret(secretName string) (string, error) {
	filePath := filepath.Join(secretsDir(), secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		// Не добавляем fallback на env var, чтобы поведение было консистентным
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}
