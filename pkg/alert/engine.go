// Package alert decides which extra events an inbound payload should
// produce. Rules are side-effect free and know nothing about delivery.
package alert

import (
	"encoding/json"
	"sync"

	"github.com/HMasataka/familyrelay/pkg/domain"
)

// Rule inspects an inbound payload and optionally returns an extra
// message for the same family.
type Rule func(payload json.RawMessage) (*domain.Message, bool)

// Derived is one message produced by a named rule
type Derived struct {
	Rule    string
	Message *domain.Message
}

type namedRule struct {
	name string
	rule Rule
}

// Engine holds the rules registered per inbound event type
type Engine struct {
	mu    sync.RWMutex
	rules map[domain.EventType][]namedRule
}

// NewEngine creates an engine without rules
func NewEngine() *Engine {
	return &Engine{
		rules: make(map[domain.EventType][]namedRule),
	}
}

// NewDefaultEngine creates an engine with the built-in rules
func NewDefaultEngine() *Engine {
	e := NewEngine()
	e.Register(domain.EventUpdateLocation, RuleGeofenceExit, GeofenceExit)
	return e
}

// Register adds a rule for the event type. Rules run in registration
// order.
func (e *Engine) Register(eventType domain.EventType, name string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules[eventType] = append(e.rules[eventType], namedRule{name: name, rule: rule})
}

// Derive runs every rule registered for the event type. Event types
// without rules yield nothing.
func (e *Engine) Derive(eventType domain.EventType, payload json.RawMessage) []Derived {
	e.mu.RLock()
	rules := e.rules[eventType]
	e.mu.RUnlock()

	var out []Derived
	for _, r := range rules {
		if msg, ok := r.rule(payload); ok {
			out = append(out, Derived{Rule: r.name, Message: msg})
		}
	}
	return out
}
