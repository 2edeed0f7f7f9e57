package storage

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultShimTTL is the shim's per-entry time-to-live (spec §4.5: "a ~2s
// TTL fronts the backend").
const DefaultShimTTL = 2 * time.Second

type shimItem struct {
	key        string
	response   Response
	surrogates []string
	size       int64
	expiresAt  time.Time
}

// Shim is the optional in-process LRU that fronts a backend Store (spec
// §4.5). It is single-owner per worker process; cross-worker invalidation
// relies entirely on the wrapped backend.
type Shim struct {
	backend Store

	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	surrogates map[string]map[string]struct{}
	curBytes   int64
	maxBytes   int64
	ttl        time.Duration
}

// NewShim wraps backend with a bounded LRU capped at maxBytes total body
// size, evicting the least-recently-used entry to make room. ttl<=0
// selects DefaultShimTTL.
func NewShim(backend Store, maxBytes int64, ttl time.Duration) *Shim {
	if ttl <= 0 {
		ttl = DefaultShimTTL
	}
	return &Shim{
		backend:    backend,
		ll:         list.New(),
		items:      map[string]*list.Element{},
		surrogates: map[string]map[string]struct{}{},
		maxBytes:   maxBytes,
		ttl:        ttl,
	}
}

func (s *Shim) Get(ctx context.Context, key string) (*Response, error) {
	if resp, ok := s.getLocal(key); ok {
		return resp, nil
	}
	resp, err := s.backend.Get(ctx, key)
	if err != nil || resp == nil {
		return resp, err
	}
	// Entries populated from a backend fetch are not surrogate-indexed
	// locally (the shim was not told this key's surrogates); they still
	// expire on their own TTL and a purge always reaches them via the
	// backend regardless.
	s.putLocal(key, *resp, nil)
	return resp, nil
}

func (s *Shim) Store(ctx context.Context, key string, surrogates []string, resp Response, ttl time.Duration) error {
	shimTTL := s.ttl
	if ttl > 0 && ttl < shimTTL {
		shimTTL = ttl
	}
	s.putLocalTTL(key, resp, surrogates, shimTTL)
	return s.backend.Store(ctx, key, surrogates, resp, ttl)
}

func (s *Shim) DeleteBySurrogates(ctx context.Context, surrogates []string) (int, error) {
	s.mu.Lock()
	seen := map[string]struct{}{}
	for _, surrogate := range surrogates {
		for key := range s.surrogates[surrogate] {
			if _, done := seen[key]; done {
				continue
			}
			seen[key] = struct{}{}
			s.evictLocked(key)
		}
	}
	s.mu.Unlock()
	return s.backend.DeleteBySurrogates(ctx, surrogates)
}

func (s *Shim) Size(ctx context.Context) (int64, error) {
	return s.backend.Size(ctx)
}

func (s *Shim) Close() error {
	return s.backend.Close()
}

func (s *Shim) getLocal(key string) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*shimItem)
	if time.Now().After(item.expiresAt) {
		s.evictElementLocked(el)
		return nil, false
	}
	s.ll.MoveToFront(el)
	out := item.response
	return &out, true
}

func (s *Shim) putLocal(key string, resp Response, surrogates []string) {
	s.putLocalTTL(key, resp, surrogates, s.ttl)
}

func (s *Shim) putLocalTTL(key string, resp Response, surrogates []string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.evictElementLocked(el)
	}

	size := int64(len(resp.Body))
	item := &shimItem{key: key, response: resp, surrogates: surrogates, size: size, expiresAt: time.Now().Add(ttl)}
	el := s.ll.PushFront(item)
	s.items[key] = el
	s.curBytes += size
	for _, surrogate := range surrogates {
		set, ok := s.surrogates[surrogate]
		if !ok {
			set = map[string]struct{}{}
			s.surrogates[surrogate] = set
		}
		set[key] = struct{}{}
	}

	for s.maxBytes > 0 && s.curBytes > s.maxBytes && s.ll.Len() > 0 {
		back := s.ll.Back()
		if back == nil {
			break
		}
		s.evictElementLocked(back)
	}
}

// evictLocked removes key if present. Callers must hold s.mu.
func (s *Shim) evictLocked(key string) {
	if el, ok := s.items[key]; ok {
		s.evictElementLocked(el)
	}
}

// evictElementLocked removes el from every index. Callers must hold s.mu.
func (s *Shim) evictElementLocked(el *list.Element) {
	item := el.Value.(*shimItem)
	s.ll.Remove(el)
	delete(s.items, item.key)
	s.curBytes -= item.size
	for _, surrogate := range item.surrogates {
		set := s.surrogates[surrogate]
		delete(set, item.key)
		if len(set) == 0 {
			delete(s.surrogates, surrogate)
		}
	}
}
