package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// 磁盘布局：
//
//	<StoragePath>/<代际名>/<sha256(key)>.entry
//
// 每个 .entry 文件首行是 JSON 元数据（URL/状态码/头/写入时间），其后是原始正文。
const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，代际之间互不影响。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileCache struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &fileCache{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete 先把目录改名到隐藏的回收位置再删除，外部观察者只会看到“存在”或“不存在”。
func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(trash)

	if err := os.Rename(dir, filepath.Join(trash, "generation")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) generationDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, url.PathEscape(name)), nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	return decodeEntry(f)
}

func (c *fileCache) Put(ctx context.Context, key string, resp *Response) error {
	unlock := c.storage.lockEntry(c.name + "::" + key)
	defer unlock()

	tempName, err := c.writeTemp(ctx, key, resp)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, c.entryPath(key)); err != nil {
		os.Remove(tempName)
		return c.translateMissing(err)
	}
	return nil
}

// PutAll 先把所有条目写成临时文件，全部成功后才逐个 rename 到位；
// 中途失败会撤销已完成的 rename：新条目删除，被覆盖的条目恢复原内容。
func (c *fileCache) PutAll(ctx context.Context, entries []Entry) error {
	temps := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range temps {
			os.Remove(name)
		}
	}

	for _, entry := range entries {
		tempName, err := c.writeTemp(ctx, entry.Key, entry.Response)
		if err != nil {
			cleanup()
			return err
		}
		temps = append(temps, tempName)
	}

	// 覆盖已有条目前保留旧内容，回滚时恢复旧条目而不是删除。
	previous := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		target := c.entryPath(entry.Key)
		info, err := os.Stat(target)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		raw, err := os.ReadFile(target)
		if err != nil {
			cleanup()
			return err
		}
		previous[target] = raw
	}

	committed := make([]string, 0, len(entries))
	for i, entry := range entries {
		target := c.entryPath(entry.Key)
		if err := os.Rename(temps[i], target); err != nil {
			c.rollback(committed, previous)
			temps = temps[i:]
			cleanup()
			return c.translateMissing(err)
		}
		committed = append(committed, target)
	}
	return nil
}

func (c *fileCache) rollback(committed []string, previous map[string][]byte) {
	for _, target := range committed {
		raw, existed := previous[target]
		if !existed {
			os.Remove(target)
			continue
		}
		tempFile, err := os.CreateTemp(c.dir, ".cache-*")
		if err != nil {
			continue
		}
		_, writeErr := tempFile.Write(raw)
		closeErr := tempFile.Close()
		if writeErr != nil || closeErr != nil || os.Rename(tempFile.Name(), target) != nil {
			os.Remove(tempFile.Name())
		}
	}
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		meta, err := readEntryMeta(filepath.Join(c.dir, item.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) writeTemp(ctx context.Context, key string, resp *Response) (string, error) {
	if resp == nil {
		return "", errors.New("nil response")
	}
	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return "", c.translateMissing(err)
	}
	tempName := tempFile.Name()

	err = encodeEntry(ctx, tempFile, key, resp)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (c *fileCache) translateMissing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrGenerationDeleted, c.name)
	}
	return err
}

func (c *fileCache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func encodeEntry(ctx context.Context, w io.Writer, key string, resp *Response) error {
	meta := *resp
	meta.URL = key
	if meta.StoredAt.IsZero() {
		meta.StoredAt = nowUTC()
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return err
	}
	_, err = copyWithContext(ctx, w, bytes.NewReader(resp.Body))
	return err
}

func decodeEntry(r io.Reader) (*Response, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode entry header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read entry body: %w", err)
	}
	resp.Body = body
	return &resp, nil
}

func readEntryMeta(path string) (*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var meta Response
	if err := json.Unmarshal(line, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
