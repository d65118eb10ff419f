package orchestrator

import (
	"errors"
	"sync"
	"testing"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in      string
		app     string
		key     string
		wantErr bool
	}{
		{"/live/abc", "live", "abc", false},
		{"live/abc", "live", "abc", false},
		{"/live/abc?token=x", "live", "abc", false},
		{"/live/abc/", "live", "abc", false},
		{"/live", "", "", true},
		{"/live//", "", "", true},
		{"/live/abc/extra", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		app, key, err := ParsePath(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("ParsePath(%q) err = %v, want ErrInvalidPath", tt.in, err)
			}
			continue
		}
		if err != nil || app != tt.app || key != tt.key {
			t.Errorf("ParsePath(%q) = %q, %q, %v", tt.in, app, key, err)
		}
	}
}

func TestKeyLocksReleaseEntries(t *testing.T) {
	k := newKeyLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("abc")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
	if n := k.len(); n != 0 {
		t.Errorf("%d lock entries left", n)
	}
}
