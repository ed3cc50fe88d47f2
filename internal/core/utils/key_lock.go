package utils

import (
	"errors"
	"sync"
)

var ErrTooManyKeys = errors.New("too many keys are locked")

// KeyLock serializes work per key. Entries are dropped once nobody holds or waits for a
// key, so the number of distinct keys in use at once is bounded by maxKeys.
type KeyLock struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
	maxKeys int
}

func NewKeyLock(maxKeys int) *KeyLock {
	return &KeyLock{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
		maxKeys: maxKeys,
	}
}

func (m *KeyLock) Lock(key string) error {
	m.edit.Lock()

	mu, ok := m.mutexes[key]
	if !ok {
		if len(m.mutexes) >= m.maxKeys {
			m.edit.Unlock()
			return ErrTooManyKeys
		}
		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}
	m.waiters[key]++
	m.edit.Unlock()

	mu.Lock()
	return nil
}

func (m *KeyLock) Unlock(key string) {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu, ok := m.mutexes[key]
	if !ok {
		panic("unlock of unlocked key " + key)
	}
	mu.Unlock()

	m.waiters[key]--
	if m.waiters[key] == 0 {
		delete(m.mutexes, key)
		delete(m.waiters, key)
	}
}
