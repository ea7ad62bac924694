package monitoring

import (
	"fmt"
	"testing"
	"time"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	// Test setting a custom logger
	called := false
	customLogger := func(format string, v ...interface{}) {
		called = true
	}

	SetLogger(customLogger)
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// Test setting nil logger (should create no-op)
	SetLogger(nil)
	// This should not panic
	Logf("test message")

	// Verify the logger is a no-op by checking it doesn't panic
	// and doesn't call anything
	noOpCalled := false
	testLogger := func(format string, v ...interface{}) {
		noOpCalled = true
	}
	SetLogger(testLogger)
	// First verify our test logger works
	Logf("test")
	if !noOpCalled {
		t.Error("Test logger should have been called")
	}

	// Now set to nil and verify it doesn't call our logger
	noOpCalled = false
	SetLogger(nil)
	Logf("test")
	if noOpCalled {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	// Test that Logf is not nil by default
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	// Test that we can call it without panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("test message: %s", "value")
}

func TestThrottle(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	now := time.Unix(1000, 0)
	th := NewThrottle(5 * time.Second)
	th.now = func() time.Time { return now }

	th.Logf("transport error: %v", "broken pipe")
	th.Logf("transport error: %v", "broken pipe")
	th.Logf("transport error: %v", "broken pipe")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line inside the interval, got %d: %v", len(lines), lines)
	}

	now = now.Add(6 * time.Second)
	th.Logf("transport error: %v", "broken pipe")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines after the interval, got %d", len(lines))
	}
	want := "transport error: broken pipe (2 similar suppressed)"
	if lines[1] != want {
		t.Errorf("got %q, want %q", lines[1], want)
	}
}
