package store

import (
	"context"
	"sync"
	"time"

	"github.com/alimasry/go-collab-relay/crdt"
	"github.com/alimasry/go-collab-relay/logging"
)

type cachedVector struct {
	sv      []byte
	expires time.Time
}

// CachedStorage wraps a backing Storage and serves state vectors from memory.
// Vectors are refreshed on every persist through this process and expire
// after ttl, so persists by other processes become visible within ttl.
// Expired entries are swept periodically in the background.
type CachedStorage struct {
	backing Storage
	ttl     time.Duration
	mu      sync.Mutex
	vectors map[string]cachedVector
	stop    chan struct{}
	done    chan struct{}
}

// NewCachedStorage creates a CachedStorage that keeps state vectors for ttl.
func NewCachedStorage(backing Storage, ttl time.Duration) *CachedStorage {
	if ttl <= 0 {
		ttl = time.Minute
	}
	cs := &CachedStorage{
		backing: backing,
		ttl:     ttl,
		vectors: make(map[string]cachedVector),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go cs.sweepLoop()
	return cs
}

func cacheKey(room, docname string, o Options) string {
	return room + "\x00" + o.key(docname)
}

func (cs *CachedStorage) PersistDoc(ctx context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error {
	if err := cs.backing.PersistDoc(ctx, room, docname, doc, opts...); err != nil {
		return err
	}
	cs.put(cacheKey(room, docname, applyOptions(opts)), doc.EncodeStateVector())
	return nil
}

func (cs *CachedStorage) RetrieveDoc(ctx context.Context, room, docname string, opts ...Option) (*Retrieved, error) {
	return cs.backing.RetrieveDoc(ctx, room, docname, opts...)
}

func (cs *CachedStorage) RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error) {
	key := cacheKey(room, docname, applyOptions(opts))
	cs.mu.Lock()
	v, ok := cs.vectors[key]
	cs.mu.Unlock()
	if ok && time.Now().Before(v.expires) {
		return v.sv, nil
	}

	// Cache miss, load from backing store.
	sv, err := cs.backing.RetrieveStateVector(ctx, room, docname, opts...)
	if err != nil || sv == nil {
		return sv, err
	}
	cs.put(key, sv)
	return sv, nil
}

func (cs *CachedStorage) DeleteReferences(ctx context.Context, room, docname string, refs []Reference, opts ...Option) error {
	return cs.backing.DeleteReferences(ctx, room, docname, refs, opts...)
}

func (cs *CachedStorage) put(key string, sv []byte) {
	cs.mu.Lock()
	cs.vectors[key] = cachedVector{sv: sv, expires: time.Now().Add(cs.ttl)}
	cs.mu.Unlock()
}

func (cs *CachedStorage) sweepLoop() {
	ticker := time.NewTicker(cs.ttl)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.sweep()
		case <-cs.stop:
			return
		}
	}
}

// sweep drops expired state vectors.
func (cs *CachedStorage) sweep() {
	now := time.Now()
	cs.mu.Lock()
	n := 0
	for key, v := range cs.vectors {
		if !now.Before(v.expires) {
			delete(cs.vectors, key)
			n++
		}
	}
	cs.mu.Unlock()
	if n > 0 {
		log := logging.Component("store")
		log.Debug().Int("evicted", n).Msg("swept state vector cache")
	}
}

// Close stops the sweep loop, waits for it to exit and closes the backing store.
func (cs *CachedStorage) Close() error {
	close(cs.stop)
	<-cs.done
	return cs.backing.Close()
}
