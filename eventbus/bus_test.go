package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsinfra-organization/unsbroker/broker/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryBus {
	return NewInMemoryBus(NopLogger())
}

func newUpdate(topic string) *TopicDataUpdated {
	return &TopicDataUpdated{
		Topic:     topic,
		DataPoint: &model.DataPoint{Topic: topic, Value: 1, Timestamp: time.Now().UTC()},
		Source:    "test",
	}
}

// countingHandler returns a handler that counts deliveries.
func countingHandler(counter *int32) Handler {
	return func(ctx context.Context, event Event) error {
		atomic.AddInt32(counter, 1)
		return nil
	}
}

// recordingHandler appends delivered topics in order.
type recordingHandler struct {
	topics []string
	mu     sync.Mutex
}

func (r *recordingHandler) handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, event.(*TopicDataUpdated).Topic)
	return nil
}

func (r *recordingHandler) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.topics))
	copy(out, r.topics)
	return out
}

// =============================================================================
// PUBLISH / SUBSCRIBE
// =============================================================================

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	var a, b int32
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&a))
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&b))

	require.NoError(t, bus.Publish(context.Background(), newUpdate("sensors/x")))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&a) == 1 && atomic.LoadInt32(&b) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	assert.NoError(t, bus.Publish(context.Background(), newUpdate("sensors/x")))
}

func TestPerSubscriberDeliveryOrderMatchesPublishOrder(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	rec := &recordingHandler{}
	bus.Subscribe(KindTopicDataUpdated, rec.handle)

	topics := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, topic := range topics {
		require.NoError(t, bus.Publish(context.Background(), newUpdate(topic)))
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == len(topics) },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, topics, rec.snapshot())
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	release := make(chan struct{})
	bus.Subscribe(KindTopicDataUpdated, func(ctx context.Context, event Event) error {
		<-release
		return nil
	})
	var fast int32
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&fast))

	require.NoError(t, bus.Publish(context.Background(), newUpdate("sensors/x")))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fast) == 1 },
		time.Second, 5*time.Millisecond)
	close(release)
}

func TestHandlerErrorDoesNotReachPublisherOrOtherSubscribers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	bus.Subscribe(KindTopicDataUpdated, func(ctx context.Context, event Event) error {
		return errors.New("subscriber fault")
	})
	var ok int32
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&ok))

	require.NoError(t, bus.Publish(context.Background(), newUpdate("sensors/x")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ok) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	bus.Subscribe(KindTopicDataUpdated, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	var ok int32
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&ok))

	require.NoError(t, bus.Publish(context.Background(), newUpdate("sensors/x")))
	require.NoError(t, bus.Publish(context.Background(), newUpdate("sensors/y")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&ok) == 2 },
		time.Second, 5*time.Millisecond)
}

func TestHandlerSubscribedDuringPublishMissesThatPublish(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	var late int32
	bus.Subscribe(KindTopicDataUpdated, func(ctx context.Context, event Event) error {
		bus.Subscribe(KindTopicDataUpdated, countingHandler(&late))
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), newUpdate("first")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&late))

	require.NoError(t, bus.Publish(context.Background(), newUpdate("second")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&late) >= 1 },
		time.Second, 5*time.Millisecond)
}

// =============================================================================
// UNSUBSCRIBE
// =============================================================================

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	var count int32
	unsubscribe := bus.Subscribe(KindTopicDataUpdated, countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), newUpdate("a")))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 1 },
		time.Second, 5*time.Millisecond)

	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), newUpdate("b")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	var count int32
	unsubscribe := bus.Subscribe(KindTopicDataUpdated, countingHandler(&count))
	unsubscribe()
	unsubscribe()
	unsubscribe()

	assert.Equal(t, 0, bus.SubscriberCount(KindTopicDataUpdated))
}

func TestSubscribeUnsubscribeNTimesLeavesZeroRegistrations(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	var count int32
	handler := countingHandler(&count)
	for i := 0; i < 5; i++ {
		unsubscribe := bus.Subscribe(KindTopicAdded, handler)
		unsubscribe()
	}
	assert.Equal(t, 0, bus.SubscriberCount(KindTopicAdded))
}

// =============================================================================
// OVERFLOW / CLOSE
// =============================================================================

func TestSubscriberQueueOverflowDropsForThatSubscriberOnly(t *testing.T) {
	bus := NewInMemoryBusWithCapacity(NopLogger(), 2)
	defer bus.Close(context.Background())

	block := make(chan struct{})
	var slowCount int32
	bus.Subscribe(KindTopicDataUpdated, func(ctx context.Context, event Event) error {
		<-block
		atomic.AddInt32(&slowCount, 1)
		return nil
	})
	var fastCount int32
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&fastCount))

	// One in-flight + two queued fill the slow subscriber; later publishes
	// drop there but still reach the fast one.
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), newUpdate("t")))
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fastCount) == 10 },
		time.Second, 5*time.Millisecond)

	close(block)
	require.Eventually(t, func() bool {
		n := atomic.LoadInt32(&slowCount)
		return n >= 1 && n < 10
	}, time.Second, 5*time.Millisecond)
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.Close(context.Background()))

	err := bus.Publish(context.Background(), newUpdate("x"))
	var closed *BusClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, KindTopicDataUpdated, closed.EventKind)
}

func TestCloseDrainsQueuedDeliveries(t *testing.T) {
	bus := newTestBus()

	var count int32
	bus.Subscribe(KindTopicDataUpdated, func(ctx context.Context, event Event) error {
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&count, 1)
		return nil
	})
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(context.Background(), newUpdate("t")))
	}

	require.NoError(t, bus.Close(context.Background()))
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// abortingMiddleware drops every event.
type abortingMiddleware struct{}

func (abortingMiddleware) Before(ctx context.Context, event Event) (Event, error) { return nil, nil }
func (abortingMiddleware) After(ctx context.Context, event Event, err error)      {}

func TestMiddlewareCanAbortPublish(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	var count int32
	bus.Subscribe(KindTopicDataUpdated, countingHandler(&count))
	bus.AddMiddleware(abortingMiddleware{})

	require.NoError(t, bus.Publish(context.Background(), newUpdate("x")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestCountingMiddlewareTracksPublishes(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())

	counting := NewCountingMiddleware()
	bus.AddMiddleware(counting)

	require.NoError(t, bus.Publish(context.Background(), newUpdate("x")))
	require.NoError(t, bus.Publish(context.Background(), newUpdate("y")))

	assert.Equal(t, int64(2), counting.Published(KindTopicDataUpdated))
	assert.Equal(t, int64(0), counting.Failures(KindTopicDataUpdated))
}

// erroringMiddleware fails the before chain.
type erroringMiddleware struct{}

func (erroringMiddleware) Before(ctx context.Context, event Event) (Event, error) {
	return nil, errors.New("rejected")
}
func (erroringMiddleware) After(ctx context.Context, event Event, err error) {}

func TestMiddlewareErrorSurfacesAsPublishAborted(t *testing.T) {
	bus := newTestBus()
	defer bus.Close(context.Background())
	bus.AddMiddleware(erroringMiddleware{})

	err := bus.Publish(context.Background(), newUpdate("x"))
	var aborted *PublishAbortedError
	require.ErrorAs(t, err, &aborted)
}
