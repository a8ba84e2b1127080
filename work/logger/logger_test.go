package logger

import (
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"WARNING": WARN,
		"error":   ERROR,
		"bogus":   INFO,
		"":        INFO,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	l := New("warn")
	if l.shouldLog(DEBUG) || l.shouldLog(INFO) {
		t.Fatalf("warn logger should not log debug/info")
	}
	if !l.shouldLog(WARN) || !l.shouldLog(ERROR) {
		t.Fatalf("warn logger should log warn/error")
	}
	l.SetLevel("debug")
	if !l.shouldLog(DEBUG) {
		t.Fatalf("level change to debug not applied")
	}
	if got := l.GetLevel(); got != "DEBUG" {
		t.Fatalf("GetLevel = %q, want DEBUG", got)
	}
}

func TestRecentReturnsOldestFirst(t *testing.T) {
	l := New("debug")
	l.Info("first")
	l.Info("second")
	l.Info("third")

	got := l.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent returned %d entries, want 3", len(got))
	}
	if got[0].Message != "first" || got[2].Message != "third" {
		t.Fatalf("Recent order wrong: %q ... %q", got[0].Message, got[2].Message)
	}

	limited := l.Recent(2)
	if len(limited) != 2 || limited[0].Message != "second" {
		t.Fatalf("Recent(2) = %v, want [second third]", limited)
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	l := New("debug")
	for i := 0; i < ringSize+10; i++ {
		l.Info("entry %d", i)
	}
	got := l.Recent(0)
	if len(got) != ringSize {
		t.Fatalf("ring holds %d entries, want %d", len(got), ringSize)
	}
	if got[0].Message != "entry 10" {
		t.Fatalf("oldest surviving entry = %q, want entry 10", got[0].Message)
	}
}

func TestSubscribeReplaysHistoryThenLive(t *testing.T) {
	l := New("debug")
	l.Info("before-1")
	l.Info("before-2")

	history, ch, cancel := l.Subscribe(8)
	defer cancel()

	if len(history) != 2 || history[0].Message != "before-1" {
		t.Fatalf("history = %v, want the two pre-subscription entries", history)
	}

	l.Info("after")
	select {
	case e := <-ch:
		if e.Message != "after" {
			t.Fatalf("live entry = %q, want after", e.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for live entry")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	l := New("debug")
	_, ch, cancel := l.Subscribe(1)
	cancel()
	cancel() // second cancel must be harmless

	if _, open := <-ch; open {
		t.Fatalf("channel still open after cancel")
	}
	// logging after cancel must not panic on the closed channel
	l.Info("post-cancel")
}

func TestSlowSubscriberDoesNotBlockLogging(t *testing.T) {
	l := New("debug")
	_, _, cancel := l.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Info("burst %d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("logging blocked on a slow subscriber")
	}
}
