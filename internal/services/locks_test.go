package services

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	const workers = 20
	counter := 0
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			km.Lock("module-a")
			counter++
			km.Unlock("module-a")
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("counter = %d, want %d", counter, workers)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	km.Lock("module-a")
	done := make(chan struct{})
	go func() {
		// A different key must not block behind module-a.
		km.Lock("module-b")
		km.Unlock("module-b")
		close(done)
	}()

	<-done
	km.Unlock("module-a")
}
