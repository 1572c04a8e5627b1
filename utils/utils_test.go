package utils

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestPlaceholderUUID(t *testing.T) {
	want := "22222222-2222-2222-2222-222222222222"
	if got := PlaceholderTestUUID().String(); got != want {
		t.Errorf("expected test UUID to be %v, got %v", want, got)
	}
}

func TestRandHex(t *testing.T) {
	first := RandHex(16)
	second := RandHex(16)

	if len(first) != 32 || len(second) != 32 {
		t.Errorf("expected hex strings of length 32, got lengths %v and %v", len(first), len(second))
	}

	if first == second {
		t.Errorf("expected two random hex strings to differ, both were %s", first)
	}
}

func TestStringSliceContains(t *testing.T) {
	slice := []string{"localhost:2375", "10.0.0.4:2375"}

	if !StringSliceContains(slice, "localhost:2375") {
		t.Errorf("expected slice to contain localhost:2375")
	}

	if StringSliceContains(slice, "10.0.0.5:2375") {
		t.Errorf("expected slice to not contain 10.0.0.5:2375")
	}
}

func TestStringSliceDedup(t *testing.T) {
	slice := []string{"a", "b", "a", "c", "b"}
	want := []string{"a", "b", "c"}
	got := StringSliceDedup(slice)

	if len(got) != len(want) {
		t.Fatalf("expected deduped slice of length %v, got %v", len(want), len(got))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected element %v to be %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMemoizeStringWithError(t *testing.T) {
	calls := 0
	f := MemoizeStringWithError(func() (string, error) {
		calls++
		if calls == 1 {
			return "", MakeError("transient failure")
		}
		return "result", nil
	})

	if _, err := f(); err == nil {
		t.Errorf("expected first call to return an error")
	}

	for i := 0; i < 3; i++ {
		result, err := f()
		if err != nil {
			t.Errorf("expected memoized call to succeed, got %v", err)
		}
		if result != "result" {
			t.Errorf("expected memoized result, got %s", result)
		}
	}

	if calls != 2 {
		t.Errorf("expected underlying function to be called twice, was called %v times", calls)
	}
}

func TestWaitWithDebugPrints(t *testing.T) {
	// Use a waitgroup and random goroutines to test WaitWithDebugPrints
	wg := sync.WaitGroup{}
	timeout := 1 * time.Second
	level := 2

	for i := 1; i <= 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			r := rand.Intn(3)
			time.Sleep(time.Duration(r) * time.Second)
		}()
	}
	WaitWithDebugPrints(&wg, timeout, level)

	// Check if the wait group finished successfully
	wg.Wait()
}
