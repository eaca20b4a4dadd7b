package monitor

import (
	"sync"

	"examguard/internal/behavior"
)

// Listeners are the document-level handlers the monitor installs.
type Listeners struct {
	VisibilityChange func(hidden bool)
	Blur             func()
	Clipboard        func(behavior.ClipboardAction) behavior.Decision
	ContextMenu      func() behavior.Decision
	KeyDown          func(behavior.KeyEvent) behavior.Decision
	KeyUp            func(behavior.KeyEvent)
	Console          func()
	WebSocket        func(url string) error
}

// EventSource is the host's event bridge. Attach installs l and returns the
// function that removes it.
type EventSource interface {
	Attach(l Listeners) (detach func())
}

// EventBus is an in-process EventSource. Replay and headless hosts
// dispatch events through it.
type EventBus struct {
	mu        sync.Mutex
	listeners map[int]Listeners
	next      int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[int]Listeners)}
}

// Attach implements EventSource.
func (b *EventBus) Attach(l Listeners) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Attached returns the number of installed listener sets.
func (b *EventBus) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *EventBus) snapshot() []Listeners {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listeners, 0, len(b.listeners))
	for i := 0; i < b.next; i++ {
		if l, ok := b.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Visibility dispatches a visibility change.
func (b *EventBus) Visibility(hidden bool) {
	for _, l := range b.snapshot() {
		if l.VisibilityChange != nil {
			l.VisibilityChange(hidden)
		}
	}
}

// Blur dispatches a window blur.
func (b *EventBus) Blur() {
	for _, l := range b.snapshot() {
		if l.Blur != nil {
			l.Blur()
		}
	}
}

// Clipboard dispatches a clipboard event. The default action is prevented
// if any listener prevents it.
func (b *EventBus) Clipboard(a behavior.ClipboardAction) behavior.Decision {
	var d behavior.Decision
	for _, l := range b.snapshot() {
		if l.Clipboard != nil && l.Clipboard(a).PreventDefault {
			d.PreventDefault = true
		}
	}
	return d
}

// ContextMenu dispatches a right-click.
func (b *EventBus) ContextMenu() behavior.Decision {
	var d behavior.Decision
	for _, l := range b.snapshot() {
		if l.ContextMenu != nil && l.ContextMenu().PreventDefault {
			d.PreventDefault = true
		}
	}
	return d
}

// KeyDown dispatches a key press.
func (b *EventBus) KeyDown(e behavior.KeyEvent) behavior.Decision {
	var d behavior.Decision
	for _, l := range b.snapshot() {
		if l.KeyDown != nil && l.KeyDown(e).PreventDefault {
			d.PreventDefault = true
		}
	}
	return d
}

// KeyUp dispatches a key release.
func (b *EventBus) KeyUp(e behavior.KeyEvent) {
	for _, l := range b.snapshot() {
		if l.KeyUp != nil {
			l.KeyUp(e)
		}
	}
}

// Console dispatches an observed console write.
func (b *EventBus) Console() {
	for _, l := range b.snapshot() {
		if l.Console != nil {
			l.Console()
		}
	}
}

// WebSocket dispatches a websocket dial attempt. It returns the first
// refusal.
func (b *EventBus) WebSocket(url string) error {
	var first error
	for _, l := range b.snapshot() {
		if l.WebSocket == nil {
			continue
		}
		if err := l.WebSocket(url); err != nil && first == nil {
			first = err
		}
	}
	return first
}
