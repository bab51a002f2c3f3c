// Package snapshot keeps the shared proxy pool's health table on disk so
// a restart does not forget which proxies were dead.
package snapshot

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/storage"
	"github.com/tls-chameleon/internal/types"
)

// DefaultMaxAge bounds how old a restored health mark may be
const DefaultMaxAge = time.Hour

// Source is what the manager persists; *proxypool.Pool satisfies it
type Source interface {
	Snapshot() *types.PoolSnapshot
	Restore(snap *types.PoolSnapshot, maxAge time.Duration) int
}

type Manager struct {
	source    Source
	storage   storage.Storage
	persistMu sync.Mutex
	maxAge    time.Duration

	persistInterval time.Duration
	stopPersist     chan struct{}
	stopOnce        sync.Once
	done            chan struct{}
}

// NewManager starts periodic persistence when persistInterval > 0
func NewManager(source Source, store storage.Storage, persistInterval, maxAge time.Duration) *Manager {
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	m := &Manager{
		source:          source,
		storage:         store,
		maxAge:          maxAge,
		persistInterval: persistInterval,
		stopPersist:     make(chan struct{}),
		done:            make(chan struct{}),
	}

	if persistInterval > 0 {
		go m.periodicPersist()
	} else {
		close(m.done)
	}

	return m
}

// Persist saves the current health table
func (m *Manager) Persist() error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snap := m.source.Snapshot()
	if err := m.storage.Save(snap); err != nil {
		log.Errorf("Failed to persist proxy health: %v", err)
		return err
	}
	log.Debugf("Proxy health persisted: %d proxies", len(snap.Proxies))
	return nil
}

func (m *Manager) periodicPersist() {
	defer close(m.done)
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Persist()
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromStorage applies the last saved health table to the pool,
// ignoring marks older than maxAge. It returns how many entries were
// restored.
func (m *Manager) LoadFromStorage() (int, error) {
	snap, err := m.storage.Load()
	if err != nil {
		return 0, err
	}
	if snap == nil {
		log.Info("No saved proxy health in storage")
		return 0, nil
	}

	n := m.source.Restore(snap, m.maxAge)
	log.Infof("Restored health for %d of %d saved proxies", n, len(snap.Proxies))
	return n, nil
}

// Close stops the background loop and writes one final snapshot
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopPersist) })
	<-m.done
	return m.Persist()
}
