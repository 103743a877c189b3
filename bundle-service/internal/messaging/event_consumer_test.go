package messaging

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"storystack-server/bundle-service/internal/ws"
	"storystack-server/shared/interfaces"
)

type fakeInvalidator struct {
	stackIDs []uuid.UUID
}

func (f *fakeInvalidator) Invalidate(_ context.Context, stackID uuid.UUID) {
	f.stackIDs = append(f.stackIDs, stackID)
}

func newTestConsumer(inv ChecksumInvalidator) *BundleEventConsumer {
	return &BundleEventConsumer{
		hub:         ws.NewUpdateHub(zap.NewNop()),
		invalidator: inv,
		logger:      zap.NewNop(),
		stopChannel: make(chan struct{}),
	}
}

func TestHandleEvent_StackUpdatedInvalidatesChecksumCache(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newTestConsumer(inv)
	stackID := uuid.New()

	c.handleEvent(interfaces.BundleEvent{
		Type:    interfaces.EventStackUpdated,
		StackID: stackID.String(),
	})

	assert.Equal(t, []uuid.UUID{stackID}, inv.stackIDs)
}

func TestHandleEvent_CompiledEventKeepsCache(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newTestConsumer(inv)

	c.handleEvent(interfaces.BundleEvent{
		Type:     interfaces.EventBundleCompiled,
		StackID:  uuid.NewString(),
		Checksum: "abc",
	})

	assert.Empty(t, inv.stackIDs)
}

func TestHandleEvent_MalformedStackIDIsIgnored(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newTestConsumer(inv)

	c.handleEvent(interfaces.BundleEvent{
		Type:    interfaces.EventStackUpdated,
		StackID: "not-a-uuid",
	})

	assert.Empty(t, inv.stackIDs)
}

func TestHandleEvent_NilInvalidator(t *testing.T) {
	c := newTestConsumer(nil)

	assert.NotPanics(t, func() {
		c.handleEvent(interfaces.BundleEvent{
			Type:    interfaces.EventStackUpdated,
			StackID: uuid.NewString(),
		})
	})
}
