package tape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// lockFileName 位于每个命名空间目录内，用于跨进程串行化写入。
const lockFileName = ".tapehub.lock"

// NewStore 以 root 为磁带根目录构建文件存储，每个 Target 复用一份实例。
func NewStore(root string) (Store, error) {
	if root == "" {
		return nil, errors.New("tapes root required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve tapes root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create tapes root: %w", err)
	}

	return &fileStore{
		root:  abs,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 (namespace, fingerprint) 并发写入。
type fileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Root() string {
	return s.root
}

func (s *fileStore) Path(namespace, fingerprint string) (string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return "", err
	}
	if fingerprint == "" || strings.ContainsAny(fingerprint, `/\.`) || strings.ContainsRune(fingerprint, 0) {
		return "", fmt.Errorf("%w: fingerprint %q", ErrInvalidLocation, fingerprint)
	}
	return filepath.Join(dir, fingerprint+Extension), nil
}

func (s *fileStore) Resolve(ctx context.Context, namespace, fingerprint string) (Handle, error) {
	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	default:
	}

	filePath, err := s.Path(namespace, fingerprint)
	if err != nil {
		return Handle{}, err
	}
	if err := statTape(filePath); err != nil {
		return Handle{}, err
	}
	return Handle{Namespace: namespace, Fingerprint: fingerprint, Path: filePath}, nil
}

func (s *fileStore) Persist(ctx context.Context, rec Recording, verbose bool) (Handle, error) {
	filePath, err := s.Path(rec.Namespace, rec.Fingerprint)
	if err != nil {
		return Handle{}, err
	}
	handle := Handle{Namespace: rec.Namespace, Fingerprint: rec.Fingerprint, Path: filePath}

	unlock := s.lockEntry(filePath)
	defer unlock()

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, fmt.Errorf("create namespace dir: %w", err)
	}

	fileLock := flock.New(filepath.Join(dir, lockFileName))
	if err := fileLock.Lock(); err != nil {
		return Handle{}, fmt.Errorf("lock namespace dir: %w", err)
	}
	defer fileLock.Unlock()

	// 另一个进程可能已在等待锁期间写入同一卷磁带，磁带一经写入不再覆盖。
	switch err := statTape(filePath); {
	case err == nil:
		return handle, nil
	case !errors.Is(err, ErrNotFound):
		return Handle{}, err
	}

	data, err := json.MarshalIndent(render(rec, verbose), "", "  ")
	if err != nil {
		return Handle{}, fmt.Errorf("render tape: %w", err)
	}
	data = append(data, '\n')

	if err := writeAtomic(ctx, filePath, bytes.NewReader(data)); err != nil {
		return Handle{}, err
	}
	return handle, nil
}

func (s *fileStore) List(namespace string) ([]string, error) {
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || filepath.Ext(name) != Extension {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// namespaceDir 将命名空间映射为根目录下的单层目录，拒绝任何越界路径。
func (s *fileStore) namespaceDir(namespace string) (string, error) {
	if namespace == "" {
		return s.root, nil
	}
	if namespace == "." || namespace == ".." || strings.ContainsAny(namespace, `/\`) || strings.ContainsRune(namespace, 0) {
		return "", fmt.Errorf("%w: namespace %q", ErrInvalidLocation, namespace)
	}
	dir := filepath.Join(s.root, namespace)
	if filepath.Dir(dir) != s.root {
		return "", fmt.Errorf("%w: namespace %q", ErrInvalidLocation, namespace)
	}
	return dir, nil
}

func (s *fileStore) lockEntry(key string) func() {
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

func statTape(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if info.IsDir() {
		return ErrNotFound
	}
	return nil
}

// writeAtomic 先写入同目录临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".tape-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
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
