package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memoryStorage 仅用于测试与临时部署，进程退出即丢失。
type memoryStorage struct {
	mu          sync.RWMutex
	generations map[string]map[string]*Response
}

type memoryCache struct {
	storage *memoryStorage
	name    string
}

// NewMemoryStorage 返回进程内的 Storage 实现。
func NewMemoryStorage() Storage {
	return &memoryStorage{generations: make(map[string]map[string]*Response)}
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[name]; !ok {
		s.generations[name] = make(map[string]*Response)
	}
	return &memoryCache{storage: s, name: name}, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.generations[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generations[name]
	delete(s.generations, name)
	return ok, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, key string) (*Response, error) {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	entries, ok := c.storage.generations[c.name]
	if !ok {
		return nil, ErrNotFound
	}
	resp, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (c *memoryCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	staged := make(map[string]*Response, len(entries))
	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		stored := entry.Response.Clone()
		stored.URL = entry.Key
		if stored.StoredAt.IsZero() {
			stored.StoredAt = nowUTC()
		}
		staged[entry.Key] = stored
	}

	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	target, ok := c.storage.generations[c.name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGenerationDeleted, c.name)
	}
	for key, resp := range staged {
		target[key] = resp
	}
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	c.storage.mu.RLock()
	entries := c.storage.generations[c.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	c.storage.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
