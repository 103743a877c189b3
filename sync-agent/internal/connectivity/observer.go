package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Observer периодически опрашивает health-endpoint сервера и отслеживает
// переходы online/offline. Подписчики уведомляются только о переходах,
// не о каждом опросе.
type Observer struct {
	healthURL string
	interval  time.Duration
	client    *http.Client
	logger    zerolog.Logger

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewObserver создает наблюдатель связности.
// interval <= 0 заменяется на 10 секунд.
func NewObserver(healthURL string, interval time.Duration, logger zerolog.Logger) *Observer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Observer{
		healthURL: healthURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger.With().Str("component", "ConnectivityObserver").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// IsOnline возвращает последнее известное состояние связности.
func (o *Observer) IsOnline() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.online
}

// Subscribe регистрирует обработчик переходов online/offline.
// Обработчики вызываются синхронно из цикла опроса.
func (o *Observer) Subscribe(fn func(online bool)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Start запускает цикл опроса. Первый опрос выполняется сразу.
func (o *Observer) Start(ctx context.Context) {
	go o.run(ctx)
}

// Stop останавливает цикл опроса и дожидается его завершения.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

func (o *Observer) run(ctx context.Context) {
	defer close(o.done)

	o.check(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.check(ctx)
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// check выполняет один опрос и рассылает уведомление при переходе.
func (o *Observer) check(ctx context.Context) {
	online := o.probe(ctx)

	o.mu.Lock()
	changed := online != o.online
	o.online = online
	listeners := make([]func(bool), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	if !changed {
		return
	}

	if online {
		o.logger.Info().Msg("Connectivity restored")
	} else {
		o.logger.Warn().Msg("Connectivity lost")
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// probe выполняет один HTTP-запрос к health-endpoint.
func (o *Observer) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.healthURL, nil)
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to build health probe request")
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
