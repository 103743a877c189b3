package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"storystack-server/shared/interfaces"
)

// Mock BundleEventPublisher
type BundleEventPublisher struct {
	mock.Mock
}

func (m *BundleEventPublisher) PublishBundleEvent(ctx context.Context, event interfaces.BundleEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
