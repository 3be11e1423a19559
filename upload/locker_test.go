package upload

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockRegistryShrinksAfterRelease(t *testing.T) {
	registry := newLockRegistry()

	lock := registry.acquire("session-a")
	assert.Equal(t, 1, registry.size())

	registry.release("session-a", lock)
	assert.Equal(t, 0, registry.size())
}

func TestLockRegistrySerializesSameSession(t *testing.T) {
	registry := newLockRegistry()

	const goroutines = 32

	var (
		wg      sync.WaitGroup
		counter int
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lock := registry.acquire("session-a")
			defer registry.release("session-a", lock)

			counter++
		}()
	}

	wg.Wait()

	assert.Equal(t, goroutines, counter)
	assert.Equal(t, 0, registry.size())
}

func TestLockRegistryIndependentSessions(t *testing.T) {
	registry := newLockRegistry()

	a := registry.acquire("session-a")
	b := registry.acquire("session-b")
	assert.Equal(t, 2, registry.size())

	registry.release("session-b", b)
	assert.Equal(t, 1, registry.size())

	registry.release("session-a", a)
	assert.Equal(t, 0, registry.size())
}
