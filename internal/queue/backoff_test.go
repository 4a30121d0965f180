package queue

import (
	"testing"
	"time"
)

func TestLinear_GrowsLinearly(t *testing.T) {
	l := Linear{}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{5, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := l.Delay(100*time.Millisecond, tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := Linear{Max: time.Second}
	if got := l.Delay(time.Second, 10); got != time.Second {
		t.Errorf("Delay(10) = %v, want capped at 1s", got)
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := Exponential{Max: time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{20, time.Minute},
	}
	for _, tt := range tests {
		if got := e.Delay(time.Second, tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffByName(t *testing.T) {
	if _, ok := BackoffByName("exponential", 0).(Exponential); !ok {
		t.Error("exponential not selected")
	}
	if _, ok := BackoffByName("anything", 0).(Linear); !ok {
		t.Error("linear should be the fallback")
	}
}
