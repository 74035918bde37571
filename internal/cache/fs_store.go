package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
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
	"time"
)

const (
	indexFileName = ".namespaces.json"
	entrySuffix   = ".entry"
	metaPrefix    = ".meta-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Storage, error) {
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

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 indexMu 串行化命名空间索引的读写，通过 entryLock 避免同一条目并发写入。
type fileStore struct {
	basePath string

	indexMu sync.Mutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type namespace struct {
	store *fileStore
	name  string
	dir   string
}

// entryBody 让正文区间可 Seek，同时在 Close 时释放底层文件。
type entryBody struct {
	*io.SectionReader
	file *os.File
}

func (b *entryBody) Close() error {
	return b.file.Close()
}

func (s *fileStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return nil, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", name, err)
	}
	names, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if !containsName(names, name) {
		if err := s.writeIndex(append(names, name)); err != nil {
			return nil, err
		}
	}
	return &namespace{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
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

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	indexed, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	onDisk := make(map[string]struct{}, len(dirEntries))
	var orphans []string
	for _, entry := range dirEntries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		onDisk[name] = struct{}{}
		if !containsName(indexed, name) {
			orphans = append(orphans, name)
		}
	}

	result := make([]string, 0, len(indexed)+len(orphans))
	for _, name := range indexed {
		if _, ok := onDisk[name]; ok {
			result = append(result, name)
		}
	}
	sort.Strings(orphans)
	return append(result, orphans...), nil
}

func (s *fileStore) Match(ctx context.Context, key Key) (*ReadResult, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		dir, err := s.namespaceDir(name)
		if err != nil {
			continue
		}
		ns := &namespace{store: s, name: name, dir: dir}
		result, err := ns.Match(ctx, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return false, err
	}

	existed := true
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		existed = false
	}
	if err := os.RemoveAll(dir); err != nil {
		return existed, fmt.Errorf("delete namespace %s: %w", name, err)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	names, err := s.readIndex()
	if err != nil {
		return existed, err
	}
	if containsName(names, name) {
		existed = true
		kept := names[:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		if err := s.writeIndex(kept); err != nil {
			return existed, err
		}
	}
	return existed, nil
}

func (s *fileStore) Entries(ctx context.Context, name string) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ns := &namespace{store: s, name: name, dir: dir}
	return ns.Entries(ctx)
}

func (s *fileStore) ReadMeta(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.metaPath(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (s *fileStore) WriteMeta(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.metaPath(name)
	if err != nil {
		return err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if err := s.replaceFile(filePath, data); err != nil {
		return fmt.Errorf("write meta %s: %w", name, err)
	}
	return nil
}

func (n *namespace) Name() string {
	return n.name
}

func (n *namespace) Match(ctx context.Context, key Key) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath := n.entryPath(key)
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	snapshot, headerLen, err := readSnapshot(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read cache entry %s: %w", filePath, err)
	}
	if snapshot.Key != key {
		// sha256 碰撞或手工篡改的文件，按未命中处理
		f.Close()
		return nil, ErrNotFound
	}

	size := info.Size() - headerLen
	return &ReadResult{
		Namespace: n.name,
		Snapshot:  snapshot,
		SizeBytes: size,
		Body:      &entryBody{SectionReader: io.NewSectionReader(f, headerLen, size), file: f},
	}, nil
}

func (n *namespace) Put(ctx context.Context, snapshot Snapshot, body io.Reader) (*Entry, error) {
	unlock := n.store.lockEntry(n.name, snapshot.Key)
	defer unlock()

	if snapshot.StoredAt.IsZero() {
		snapshot.StoredAt = time.Now().UTC()
	}
	if body == nil {
		body = strings.NewReader("")
	}
	meta, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	meta = append(meta, '\n')

	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(n.dir, ".entry-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(meta)
	var written int64
	if err == nil {
		written, err = copyWithContext(ctx, tempFile, body)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	filePath := n.entryPath(snapshot.Key)
	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return &Entry{
		Namespace: n.name,
		Snapshot:  snapshot,
		FilePath:  filePath,
		SizeBytes: written,
	}, nil
}

func (n *namespace) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := n.store.lockEntry(n.name, key)
	defer unlock()

	if err := os.Remove(n.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (n *namespace) Entries(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(n.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(dirEntries))
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		snapshot, err := peekSnapshot(filepath.Join(n.dir, name))
		if err != nil {
			continue
		}
		keys = append(keys, snapshot.Key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (n *namespace) entryPath(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(n.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (s *fileStore) namespaceDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, name)
	}
	return filepath.Join(s.basePath, name), nil
}

// metaPath 复用命名空间的命名规则，元数据文件以点开头，不会被 Keys 当作命名空间。
func (s *fileStore) metaPath(name string) (string, error) {
	if _, err := s.namespaceDir(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, metaPrefix+name+".json"), nil
}

func (s *fileStore) readIndex() ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode namespace index: %w", err)
	}
	return names, nil
}

// writeIndex 覆盖索引，调用方需持有 indexMu。
func (s *fileStore) writeIndex(names []string) error {
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	if err := s.replaceFile(filepath.Join(s.basePath, indexFileName), raw); err != nil {
		return fmt.Errorf("write namespace index: %w", err)
	}
	return nil
}

// replaceFile 以临时文件 + rename 原子替换 basePath 下的文件。
func (s *fileStore) replaceFile(target string, data []byte) error {
	tempFile, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, target)
	}
	if err != nil {
		os.Remove(tempName)
	}
	return err
}

func (s *fileStore) lockEntry(nsName string, key Key) func() {
	lockKey := nsName + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// readSnapshot 读取首行 JSON 元数据，返回元数据与其占用的字节数。
func readSnapshot(r io.Reader) (Snapshot, int64, error) {
	line, err := bufio.NewReader(r).ReadBytes('\n')
	if err != nil {
		return Snapshot{}, 0, fmt.Errorf("missing metadata line: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(line, &snapshot); err != nil {
		return Snapshot{}, 0, err
	}
	return snapshot, int64(len(line)), nil
}

func peekSnapshot(filePath string) (Snapshot, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Snapshot{}, err
	}
	defer f.Close()
	snapshot, _, err := readSnapshot(f)
	return snapshot, err
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
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
