package interfaces

import (
	"context"
	"time"
)

// BundleEventType — тип события жизненного цикла бандла.
type BundleEventType string

const (
	EventBundleCompiled BundleEventType = "bundle_compiled"
	EventStackUpdated   BundleEventType = "stack_updated"
)

// BundleEvent — событие, публикуемое bundle-service в шину сообщений
// после компиляции или изменения стека.
type BundleEvent struct {
	Type      BundleEventType `json:"type"`
	StackID   string          `json:"stack_id"`
	Checksum  string          `json:"checksum,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// BundleEventPublisher публикует события жизненного цикла бандлов.
type BundleEventPublisher interface {
	PublishBundleEvent(ctx context.Context, event BundleEvent) error
}
