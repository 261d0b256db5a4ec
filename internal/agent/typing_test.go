package agent

import (
	"sync"
	"testing"
	"time"
)

type signals struct {
	mu  sync.Mutex
	got []bool
}

func (s *signals) emit(v bool) {
	s.mu.Lock()
	s.got = append(s.got, v)
	s.mu.Unlock()
}

func (s *signals) list() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.got...)
}

func TestTypingDebouncer_StartOnceThenIdleStop(t *testing.T) {
	var s signals
	d := NewTypingDebouncer(50*time.Millisecond, s.emit)

	d.Input(false)
	d.Input(false)
	d.Input(false)
	if got := s.list(); len(got) != 1 || !got[0] {
		t.Fatalf("signals = %v, want [true]", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := s.list(); len(got) != 2 || got[1] {
		t.Errorf("signals = %v, want [true false]", got)
	}
}

func TestTypingDebouncer_EmptyAndSendStop(t *testing.T) {
	var s signals
	d := NewTypingDebouncer(time.Hour, s.emit)

	d.Input(false)
	d.Input(true)
	d.Stop()
	d.Input(false)
	d.Stop()

	want := []bool{true, false, true, false}
	got := s.list()
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signals = %v, want %v", got, want)
		}
	}
}
