// Package hooks exposes lifecycle events of the search subsystem to
// registered listeners. Pre-events run synchronously and may cancel the
// operation; post-events may run asynchronously.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexussearch/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Compaction lifecycle events.
	EventPreCompaction  EventType = "PreCompaction"
	EventPostCompaction EventType = "PostCompaction"

	// Index lifecycle events.
	EventOnIndexCreated EventType = "OnIndexCreated"
	EventOnIndexReady   EventType = "OnIndexReady"
	EventOnIndexDropped EventType = "OnIndexDropped"

	// Archive cache events.
	EventOnCacheEviction EventType = "OnCacheEviction"
)

// HookEvent is the interface all event objects implement.
type HookEvent interface {
	Type() EventType
	Payload() any
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   any
}

func (e *BaseEvent) Type() EventType { return e.eventType }
func (e *BaseEvent) Payload() any    { return e.payload }

// PreCompactionPayload describes a compaction about to run. Returning an
// error from a listener cancels the compaction for this cycle.
type PreCompactionPayload struct {
	IndexID    core.IndexID
	IndexName  core.IndexName
	Reason     string
	SegmentIDs []string
}

func NewPreCompactionEvent(payload PreCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: payload}
}

// PostCompactionPayload describes a finished compaction.
type PostCompactionPayload struct {
	IndexID        core.IndexID
	IndexName      core.IndexName
	Reason         string
	MergedSegments []string
	NewSegmentID   string
	Error          error
}

func NewPostCompactionEvent(payload PostCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: payload}
}

// IndexLifecyclePayload accompanies index created/ready/dropped events.
type IndexLifecyclePayload struct {
	IndexID   core.IndexID
	IndexName core.IndexName
	Kind      core.SegmentKind
}

func NewIndexCreatedEvent(payload IndexLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventOnIndexCreated, payload: payload}
}

func NewIndexReadyEvent(payload IndexLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventOnIndexReady, payload: payload}
}

func NewIndexDroppedEvent(payload IndexLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventOnIndexDropped, payload: payload}
}

// CacheEvictionPayload describes an archive cache entry whose directory
// has been handed to the cleanup worker.
type CacheEvictionPayload struct {
	Key       string
	Path      string
	SizeBytes int64
}

func NewCacheEvictionEvent(payload CacheEvictionPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

// HookListener receives triggered events.
type HookListener interface {
	// OnEvent is called when a registered event fires. Returning an error
	// from a "Pre" hook cancels the operation; errors from "Post" hooks
	// are logged.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower numbers run first.
	Priority() int
	// IsAsync indicates the listener should run asynchronously for
	// post-events.
	IsAsync() bool
}

// ListenerFunc adapts a function to HookListener with priority 100 and
// synchronous execution.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error {
	return f(ctx, event)
}

func (f ListenerFunc) Priority() int { return 100 }
func (f ListenerFunc) IsAsync() bool { return false }

// HookManager manages and triggers hooks.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to finish.
	Stop()
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is the concrete HookManager.
type DefaultHookManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]*listenerWithPriority
	wg        sync.WaitGroup
	logger    *slog.Logger
}

var _ HookManager = (*DefaultHookManager)(nil)

// NewHookManager creates a DefaultHookManager.
func NewHookManager(logger *slog.Logger) *DefaultHookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for an event type, keeping priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for the event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
