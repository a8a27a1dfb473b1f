package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
)

type priorityListener struct {
	fn       func(ctx context.Context, event HookEvent) error
	priority int
	async    bool
}

func (l *priorityListener) OnEvent(ctx context.Context, event HookEvent) error {
	return l.fn(ctx, event)
}
func (l *priorityListener) Priority() int { return l.priority }
func (l *priorityListener) IsAsync() bool { return l.async }

func TestTrigger_RunsListenersInPriorityOrder(t *testing.T) {
	m := NewHookManager(nil)
	var order []int
	add := func(p int) {
		m.Register(EventPostCompaction, &priorityListener{
			priority: p,
			fn: func(ctx context.Context, event HookEvent) error {
				order = append(order, p)
				return nil
			},
		})
	}
	add(50)
	add(10)
	add(30)

	event := NewPostCompactionEvent(PostCompactionPayload{IndexID: "idx1"})
	require.NoError(t, m.Trigger(context.Background(), event))
	assert.Equal(t, []int{10, 30, 50}, order)
}

func TestTrigger_PreHookErrorCancels(t *testing.T) {
	m := NewHookManager(nil)
	boom := errors.New("veto")
	m.Register(EventPreCompaction, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		return boom
	}))
	var reached bool
	m.Register(EventPreCompaction, &priorityListener{
		priority: 200,
		fn: func(ctx context.Context, event HookEvent) error {
			reached = true
			return nil
		},
	})

	err := m.Trigger(context.Background(), NewPreCompactionEvent(PreCompactionPayload{IndexID: "idx1"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, reached, "later listeners skipped after a pre-hook veto")
}

func TestTrigger_PostHookErrorsAreSwallowed(t *testing.T) {
	m := NewHookManager(nil)
	m.Register(EventOnIndexReady, ListenerFunc(func(ctx context.Context, event HookEvent) error {
		return errors.New("logged, not propagated")
	}))
	event := NewIndexReadyEvent(IndexLifecyclePayload{IndexID: "idx1", IndexName: "messages.by_body"})
	assert.NoError(t, m.Trigger(context.Background(), event))
}

func TestTrigger_AsyncPostListener(t *testing.T) {
	m := NewHookManager(nil)
	var mu sync.Mutex
	var got []EventType
	m.Register(EventOnCacheEviction, &priorityListener{
		priority: 100,
		async:    true,
		fn: func(ctx context.Context, event HookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, event.Type())
			return nil
		},
	})

	event := NewCacheEvictionEvent(CacheEvictionPayload{Key: "k", Path: "/p", SizeBytes: 1})
	require.NoError(t, m.Trigger(context.Background(), event))
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventOnCacheEviction}, got)
}

func TestEventPayloads(t *testing.T) {
	event := NewIndexCreatedEvent(IndexLifecyclePayload{
		IndexID:   "idx1",
		IndexName: "messages.by_body",
		Kind:      core.SegmentKindText,
	})
	assert.Equal(t, EventOnIndexCreated, event.Type())
	payload, ok := event.Payload().(IndexLifecyclePayload)
	require.True(t, ok)
	assert.Equal(t, core.IndexName("messages.by_body"), payload.IndexName)
}
