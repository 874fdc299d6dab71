package core

import (
	"sync"
	"testing"
)

func TestKeyedLockSerializesSameKey(t *testing.T) {
	kl := NewKeyedLock()
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Lock("unit-1")
			counter++
			kl.Unlock("unit-1")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestKeyedLockIndependentKeys(t *testing.T) {
	kl := NewKeyedLock()
	kl.Lock("a")
	defer kl.Unlock("a")

	done := make(chan struct{})
	go func() {
		kl.Lock("b")
		kl.Unlock("b")
		close(done)
	}()
	<-done
}

func TestKeyedLockTryLock(t *testing.T) {
	kl := NewKeyedLock()
	kl.Lock("a")

	if kl.TryLock("a") {
		t.Error("TryLock should fail while key is held")
	}
	kl.Unlock("a")

	if !kl.TryLock("a") {
		t.Error("TryLock should succeed on a free key")
	}
	kl.Unlock("a")
}
