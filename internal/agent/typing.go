package agent

import (
	"sync"
	"time"
)

// TypingIdle is how long the composer may stay untouched before a stop
// signal is sent.
const TypingIdle = 2 * time.Second

// TypingDebouncer turns composer keystrokes into start/stop typing signals:
// start on the first keystroke, stop after TypingIdle of inactivity, when the
// composer is emptied or when the message is sent.
type TypingDebouncer struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(isTyping bool)
	timer  *time.Timer
	typing bool
}

// NewTypingDebouncer creates a debouncer that calls emit on every state
// change. emit runs without the debouncer's lock held.
func NewTypingDebouncer(idle time.Duration, emit func(isTyping bool)) *TypingDebouncer {
	if idle <= 0 {
		idle = TypingIdle
	}
	return &TypingDebouncer{idle: idle, emit: emit}
}

// Input records a composer change; empty reports whether the composer is
// now empty.
func (d *TypingDebouncer) Input(empty bool) {
	if empty {
		d.Stop()
		return
	}

	d.mu.Lock()
	start := !d.typing
	d.typing = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, d.Stop)
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Stop ends the typing burst, emitting a stop signal if one is in progress.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	was := d.typing
	d.typing = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if was {
		d.emit(false)
	}
}
