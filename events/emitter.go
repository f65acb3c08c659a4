package events

import (
	"sync"

	"github.com/charmbracelet/log"
)

// EventType labels what happened.
type EventType string

const (
	EventWagerMade      EventType = "wager_made"
	EventWagerAccepted  EventType = "wager_accepted"
	EventWagerCancelled EventType = "wager_cancelled"
	EventTxExecuted     EventType = "tx_executed"
	EventTokenTransfer  EventType = "token_transfer"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type   EventType      `json:"type"`
	GameID uint64         `json:"game_id,omitempty"`
	TxID   string         `json:"tx_id,omitempty"`
	Data   map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      map[int]Handler
	nextID   int
	logger   *log.Logger
}

// NewEmitter creates an Emitter with no subscribers. A nil logger uses the
// package default.
func NewEmitter(logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Emitter{
		handlers: make(map[EventType][]Handler),
		all:      make(map[int]Handler),
		logger:   logger.WithPrefix("events"),
	}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// SubscribeAll registers h for every event type. The returned func removes
// the subscription.
func (e *Emitter) SubscribeAll(h Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.all[id] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.all, id)
	}
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot fail the operation that emitted the event.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers[ev.Type]...)
	for _, h := range e.all {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("handler panicked", "type", ev.Type, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
