package oauthstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManager_CreateAndValidate(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	manager := NewManager(store, time.Minute)

	token, err := manager.Create(context.Background(), 42)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if token == "" {
		t.Fatal("Create() returned empty token")
	}

	userID, err := manager.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if userID != 42 {
		t.Errorf("Validate() = %d, want 42", userID)
	}
}

func TestManager_TokensAreUnique(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	manager := NewManager(store, time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := manager.Create(context.Background(), 1)
		if err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
		if seen[token] {
			t.Fatalf("Create() returned duplicate token %q", token)
		}
		seen[token] = true
	}
}

func TestManager_SingleUse(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	manager := NewManager(store, time.Minute)

	token, err := manager.Create(context.Background(), 7)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if _, err := manager.Validate(context.Background(), token); err != nil {
		t.Fatalf("first Validate() failed: %v", err)
	}
	if _, err := manager.Validate(context.Background(), token); !errors.Is(err, ErrInvalidState) {
		t.Errorf("replayed Validate() error = %v, want ErrInvalidState", err)
	}
}

func TestManager_SingleUseConcurrent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	manager := NewManager(store, time.Minute)

	token, err := manager.Create(context.Background(), 7)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	successes := make(chan int64, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if userID, err := manager.Validate(context.Background(), token); err == nil {
				successes <- userID
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for userID := range successes {
		count++
		if userID != 7 {
			t.Errorf("Validate() = %d, want 7", userID)
		}
	}
	if count != 1 {
		t.Errorf("%d concurrent Validate() calls succeeded, want exactly 1", count)
	}
}

func TestManager_UnknownToken(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	manager := NewManager(store, time.Minute)

	if _, err := manager.Validate(context.Background(), "never-issued"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Validate() error = %v, want ErrInvalidState", err)
	}
	if _, err := manager.Validate(context.Background(), ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Validate(\"\") error = %v, want ErrInvalidState", err)
	}
}

func TestManager_Expiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	manager := NewManager(store, time.Millisecond)

	token, err := manager.Create(context.Background(), 9)
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := manager.Validate(context.Background(), token); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expired Validate() error = %v, want ErrInvalidState", err)
	}
}

func TestMemoryStore_ConsumeDeletesExpiredEntry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	if err := store.Put(context.Background(), "tok", 1, -time.Second); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if _, ok, _ := store.Consume(context.Background(), "tok"); ok {
		t.Error("Consume() of expired entry reported ok")
	}

	store.mu.Lock()
	_, still := store.entries["tok"]
	store.mu.Unlock()
	if still {
		t.Error("expired entry not removed after Consume()")
	}
}
