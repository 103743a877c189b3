package service

import (
	"errors"
	"strings"
)

var (
	ErrInternal = errors.New("internal bundle service error")
	// Можно добавить другие специфичные ошибки
)

// ValidationError агрегирует ошибки валидатора бандла. Список передается
// клиенту дословно, по одной строке на найденную проблему.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "bundle validation failed: " + strings.Join(e.Errors, "; ")
}

// AsValidationError извлекает *ValidationError из цепочки ошибок.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
