package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"storystack-server/shared/models"
)

// TransientError помечает сбой как временный: элемент очереди остается
// pending и будет повторен. Таймаут вызова — тоже временный сбой.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient remote error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient сообщает, является ли ошибка временной.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client — HTTP-клиент серверного API историй.
// Методы создают/обновляют/удаляют сущности от имени владельца токена.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient создает клиент серверного API.
// Таймауты отдельных вызовов задает вызывающая сторона через контекст.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "RemoteClient").Logger(),
	}
}

// CreateStack создает стек на сервере и возвращает серверную версию
// (с постоянным идентификатором вместо временного).
func (c *Client) CreateStack(ctx context.Context, stack *models.StoryStack) (*models.StoryStack, error) {
	var created models.StoryStack
	if err := c.do(ctx, http.MethodPost, "/stacks", stack, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateStack перезаписывает стек на сервере.
func (c *Client) UpdateStack(ctx context.Context, stack *models.StoryStack) error {
	return c.do(ctx, http.MethodPut, "/stacks/"+stack.ID.String(), stack, nil)
}

// DeleteStack удаляет стек на сервере.
func (c *Client) DeleteStack(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/stacks/"+id, nil, nil)
}

// CreateCard создает карточку на сервере.
func (c *Client) CreateCard(ctx context.Context, card *models.StoryCard) (*models.StoryCard, error) {
	var created models.StoryCard
	if err := c.do(ctx, http.MethodPost, "/stacks/"+card.StackID.String()+"/cards", card, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateCard перезаписывает карточку на сервере.
func (c *Client) UpdateCard(ctx context.Context, card *models.StoryCard) error {
	return c.do(ctx, http.MethodPut, "/cards/"+card.ID.String(), card, nil)
}

// DeleteCard удаляет карточку на сервере.
func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/cards/"+id, nil, nil)
}

// CreateChoice создает выбор на сервере.
func (c *Client) CreateChoice(ctx context.Context, choice *models.Choice) (*models.Choice, error) {
	var created models.Choice
	if err := c.do(ctx, http.MethodPost, "/cards/"+choice.CardID.String()+"/choices", choice, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateChoice перезаписывает выбор на сервере.
func (c *Client) UpdateChoice(ctx context.Context, choice *models.Choice) error {
	return c.do(ctx, http.MethodPut, "/choices/"+choice.ID.String(), choice, nil)
}

// DeleteChoice удаляет выбор на сервере.
func (c *Client) DeleteChoice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/choices/"+id, nil, nil)
}

// do выполняет один запрос и классифицирует сбои: сетевые ошибки,
// таймауты и 5xx — временные; 4xx — постоянные.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutOrNetwork(err) {
			return &TransientError{Err: err}
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("%s %s: server returned %d", method, path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("Remote call rejected")
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// isTimeoutOrNetwork распознает временные сбои транспорта.
func isTimeoutOrNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
