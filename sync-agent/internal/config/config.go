package config

import (
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config — конфигурация агента синхронизации.
// Загружается из config.yml с fallback на переменные окружения.
type Config struct {
	Server  ServerConfig
	Mirror  MirrorConfig
	Sync    SyncConfig
	Metrics MetricsConfig
	Log     LogConfig
}

type ServerConfig struct {
	// Базовый URL серверного API историй.
	URL string `yaml:"url" env:"SERVER_URL" env-default:"http://localhost:8084"`
	// URL health-проверки. Пустое значение — <URL>/health.
	HealthURL string `yaml:"health_url" env:"SERVER_HEALTH_URL"`
	// Bearer-токен, от имени которого воспроизводятся мутации.
	APIToken string `yaml:"api_token" env:"SERVER_API_TOKEN" env-required:"true"`
}

type MirrorConfig struct {
	// Путь к файлу локального зеркала SQLite.
	Path string `yaml:"path" env:"MIRROR_PATH" env-default:"storystack-mirror.db"`
}

type SyncConfig struct {
	// Интервал health-проверок доступности сервера.
	ProbeInterval time.Duration `yaml:"probe_interval" env:"SYNC_PROBE_INTERVAL" env-default:"10s"`
	// Период фоновых проходов синхронизации в онлайне.
	Interval time.Duration `yaml:"interval" env:"SYNC_INTERVAL" env-default:"30s"`
	// Таймаут одного удаленного вызова.
	CallTimeout time.Duration `yaml:"call_timeout" env:"SYNC_CALL_TIMEOUT" env-default:"10s"`
}

type MetricsConfig struct {
	// Порт HTTP-сервера метрик и статуса. Пустое значение отключает сервер.
	Port string `yaml:"port" env:"METRICS_PORT" env-default:"9105"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// LoadConfig загружает конфигурацию из config.yml, а при его отсутствии —
// только из переменных окружения.
func LoadConfig() (*Config, error) {
	configPath := "config.yml"

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Printf("Предупреждение: не удалось прочитать файл конфигурации '%s': %v. Попытка чтения из переменных окружения.", configPath, err)
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
		}
	}

	if cfg.Server.HealthURL == "" {
		cfg.Server.HealthURL = cfg.Server.URL + "/health"
	}

	return &cfg, nil
}
