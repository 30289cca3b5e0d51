package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Storage 管理全部缓存代际，对应浏览器中的 CacheStorage。
// 所有实现必须可被多个 goroutine 并发使用。
type Storage interface {
	// Open 打开指定代际，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 判断代际是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按名称排序返回所有代际标识。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除代际及其所有条目，返回该代际此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Cache 是单个代际内的 请求 URL → 响应 键值存储。
type Cache interface {
	// Name 返回代际标识。
	Name() string

	// Match 返回 key 对应的响应副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖单个条目，单 key 写入是原子的。
	Put(ctx context.Context, key string, resp *Response) error

	// PutAll 以批为单位写入：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 返回当前代际中的全部 key。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 是 PutAll 的输入项。
type Entry struct {
	Key      string
	Response *Response
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationDeleted 表示写入目标代际已被删除，写入被拒绝以免复活旧代际。
	ErrGenerationDeleted = errors.New("cache generation deleted")
	// ErrInvalidName 表示代际名称不合法。
	ErrInvalidName = errors.New("invalid cache generation name")
)

func validateName(name string) error {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Open 根据驱动名称构建 Storage；memory 驱动忽略 path。
func Open(driver, path string) (Storage, error) {
	switch driver {
	case "", "fs":
		return NewFileStorage(path)
	case "sqlite":
		return OpenSQLite(path)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
