package id

import (
	"regexp"
	"strings"
	"sync"
	"testing"
)

// --- UUID Tests ---

func TestUUID_Format(t *testing.T) {
	id := UUID()

	// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidRegex.MatchString(id) {
		t.Errorf("UUID() = %q, does not match UUID v4 format", id)
	}
}

func TestUUID_Length(t *testing.T) {
	id := UUID()
	if len(id) != 36 {
		t.Errorf("UUID() length = %d, want 36", len(id))
	}
}

func TestUUID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := UUID()
		if seen[id] {
			t.Fatalf("UUID() generated duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestUUID_Concurrent(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 100

	var mu sync.Mutex
	seen := make(map[string]bool, goroutines*perGoroutine)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := UUID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate UUID under concurrency: %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

// --- Short Tests ---

func TestShort_Format(t *testing.T) {
	id := Short()
	if len(id) != 16 {
		t.Errorf("Short() length = %d, want 16", len(id))
	}
	hexRegex := regexp.MustCompile(`^[0-9a-f]{16}$`)
	if !hexRegex.MatchString(id) {
		t.Errorf("Short() = %q, not lowercase hex", id)
	}
}

func TestShort_Uniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := Short()
		if seen[id] {
			t.Fatalf("Short() generated duplicate: %s", id)
		}
		seen[id] = true
	}
}

// --- Prefixed ID Tests ---

func TestRule_Prefix(t *testing.T) {
	id := Rule()
	if !strings.HasPrefix(id, "rule-") {
		t.Errorf("Rule() = %q, want rule- prefix", id)
	}
	if len(id) != len("rule-")+16 {
		t.Errorf("Rule() length = %d, want %d", len(id), len("rule-")+16)
	}
}

func TestEvent_Prefix(t *testing.T) {
	id := Event()
	if !strings.HasPrefix(id, "evt-") {
		t.Errorf("Event() = %q, want evt- prefix", id)
	}
	if len(id) != len("evt-")+36 {
		t.Errorf("Event() length = %d, want %d", len(id), len("evt-")+36)
	}
}
