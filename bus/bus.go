package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/types"
)

// EventType identifies a broadcast event stream.
type EventType string

// Event is a fire-and-forget broadcast message.
type Event struct {
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler receives broadcast events.
type EventHandler func(event Event)

// ResponseStatus is the outcome of a correlated agent request.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
	StatusTimeout ResponseStatus = "timeout"
)

// AgentRequest is the envelope sent to exactly one target agent. It is
// owned by the caller for the duration of the call; the bus does not
// retain it beyond delivery.
type AgentRequest struct {
	ID          string         `json:"id"`
	SourceAgent string         `json:"source_agent"`
	TargetAgent string         `json:"target_agent"`
	RequestType string         `json:"request_type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// AgentResponse is the correlated reply to an AgentRequest. ErrorCode
// preserves the failure taxonomy across the bus so callers can classify
// without parsing the message.
type AgentResponse struct {
	RequestID string          `json:"request_id"`
	Status    ResponseStatus  `json:"status"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode types.ErrorCode `json:"error_code,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// AgentHandler is the worker-agent contract: accept a request, return a
// response within the caller's timeout.
type AgentHandler func(ctx context.Context, req *AgentRequest) (*AgentResponse, error)

// subscriptionCounter generates unique subscription IDs.
var subscriptionCounter int64

// Bus is the inter-agent message fabric: broadcast events plus correlated
// request/response with per-call timeouts.
type Bus struct {
	handlers map[EventType]map[string]EventHandler
	agents   map[string]AgentHandler
	pending  map[string]chan *AgentResponse

	eventChannel chan Event
	done         chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger
	mu           sync.RWMutex
}

// New creates a started bus. Call Stop to release the dispatch goroutine.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		handlers:     make(map[EventType]map[string]EventHandler),
		agents:       make(map[string]AgentHandler),
		pending:      make(map[string]chan *AgentResponse),
		eventChannel: make(chan Event, 256),
		done:         make(chan struct{}),
		logger:       logger.With(zap.String("component", "bus")),
	}
	go b.processEvents()
	return b
}

// Emit broadcasts an event to all subscribers of its type. Delivery is
// best-effort and non-blocking: if the internal buffer is full the event
// is dropped.
func (b *Bus) Emit(eventType EventType, payload map[string]any, source string) {
	event := Event{
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	select {
	case b.eventChannel <- event:
	case <-b.done:
	default:
		b.logger.Warn("event buffer full, dropping event", zap.String("type", string(eventType)))
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription id.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]EventHandler)
	}

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// RegisterAgent binds a handler to an agent name. Requests targeting that
// name are delivered to the handler.
func (b *Bus) RegisterAgent(name string, handler AgentHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[name] = handler
}

// UnregisterAgent removes an agent binding.
func (b *Bus) UnregisterAgent(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, name)
}

// RequestAgent sends a correlated request to exactly one target agent and
// awaits the matching response. If no response arrives within timeout a
// synthetic timeout response is returned rather than blocking indefinitely.
// Concurrent requests with different ids resolve independently; abandoned
// correlations are removed when the wait ends, on every path.
func (b *Bus) RequestAgent(ctx context.Context, req *AgentRequest, timeout time.Duration) (*AgentResponse, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	b.mu.RLock()
	handler, ok := b.agents[req.TargetAgent]
	b.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "no agent registered for target %q", req.TargetAgent).
			WithResource(req.TargetAgent)
	}

	ch := make(chan *AgentResponse, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	go b.invoke(callCtx, handler, req, start)

	select {
	case resp := <-ch:
		return resp, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("agent request timed out",
			zap.String("request_id", req.ID),
			zap.String("target", req.TargetAgent),
			zap.Duration("timeout", timeout),
		)
		return &AgentResponse{
			RequestID: req.ID,
			Status:    StatusTimeout,
			Error:     fmt.Sprintf("no response from %s within %v", req.TargetAgent, timeout),
			ErrorCode: types.ErrTimeout,
			Duration:  time.Since(start),
		}, nil
	}
}

// invoke runs the agent handler and correlates its result back to the
// waiting caller.
func (b *Bus) invoke(ctx context.Context, handler AgentHandler, req *AgentRequest, start time.Time) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("agent handler panicked",
				zap.String("target", req.TargetAgent),
				zap.Any("recover", r),
			)
			b.Respond(&AgentResponse{
				RequestID: req.ID,
				Status:    StatusFailure,
				Error:     fmt.Sprintf("agent %s panicked", req.TargetAgent),
				Duration:  time.Since(start),
			})
		}
	}()

	resp, err := handler(ctx, req)
	if err != nil {
		resp = &AgentResponse{
			RequestID: req.ID,
			Status:    StatusFailure,
			Error:     err.Error(),
			ErrorCode: types.GetErrorCode(err),
		}
	}
	if resp.RequestID == "" {
		resp.RequestID = req.ID
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	b.Respond(resp)
}

// Respond correlates a response to its waiting request. Responses for
// requests no longer waiting (timed out or abandoned) are discarded.
func (b *Bus) Respond(resp *AgentResponse) {
	b.mu.RLock()
	ch, ok := b.pending[resp.RequestID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// processEvents fans out broadcast events to subscribers. Each handler runs
// in its own goroutine with panic recovery so one slow or faulty subscriber
// cannot block the others.
func (b *Bus) processEvents() {
	for {
		select {
		case event := <-b.eventChannel:
			b.mu.RLock()
			src := b.handlers[event.Type]
			handlers := make([]EventHandler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(event)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Stop shuts the bus down. Safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}
