package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const entryExt = ".json"

// FilesystemBackend lays stores out as directories of a billy filesystem:
//
//	<root>/<store name>/<sha256(identity)>.json
type FilesystemBackend struct {
	fs billy.Filesystem
	// mu orders directory creation against removal.
	mu sync.Mutex
}

type filesystemStore struct {
	backend *FilesystemBackend
	name    string
}

type fileEntry struct {
	Identity    Identity    `json:"identity"`
	StatusCode  int         `json:"status"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body"`
	ContentType string      `json:"contentType,omitempty"`
	StoredAt    time.Time   `json:"storedAt"`
}

func NewFilesystemBackend(fs billy.Filesystem) *FilesystemBackend {
	return &FilesystemBackend{fs: fs}
}

// NewDiskBackend roots a filesystem backend at dir on the local disk.
func NewDiskBackend(dir string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, StorageUnavailable(err, "create root", "")
	}
	return NewFilesystemBackend(osfs.New(dir)), nil
}

func (b *FilesystemBackend) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, StorageUnavailable(err, "open", name)
	}
	if err := checkStoreName(name); err != nil {
		return nil, StorageUnavailable(err, "open", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fs.MkdirAll(name, 0o755); err != nil {
		return nil, StorageUnavailable(err, "open", name)
	}
	return &filesystemStore{backend: b, name: name}, nil
}

func (b *FilesystemBackend) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, StorageUnavailable(err, "list", "")
	}

	infos, err := b.fs.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, StorageUnavailable(err, "list", "")
	}

	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() && !strings.HasPrefix(fi.Name(), ".") {
			names = append(names, fi.Name())
		}
	}
	return names, nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	if err := checkStoreName(name); err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.fs.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, StorageUnavailable(err, "delete", name)
	}
	if err := util.RemoveAll(b.fs, name); err != nil {
		return false, StorageUnavailable(err, "delete", name)
	}
	return true, nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}

func (s *filesystemStore) Name() string {
	return s.name
}

func (s *filesystemStore) PutAll(ctx context.Context, records []Record) error {
	if err := validate(s.name, records); err != nil {
		return err
	}

	fs := s.backend.fs
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	if _, err := fs.Stat(s.name); err != nil {
		if os.IsNotExist(err) {
			return StorageUnavailable(errStoreDeleted, "put", s.name)
		}
		return StorageUnavailable(err, "put", s.name)
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return StorageUnavailable(err, "put", s.name)
		}
		if err := s.writeEntry(r); err != nil {
			return StorageUnavailable(err, "put", s.name)
		}
	}
	return nil
}

// writeEntry stages the encoded entry in a temp file and renames it into
// place so readers never observe a partial file.
func (s *filesystemStore) writeEntry(r Record) error {
	data, err := json.Marshal(fileEntry{
		Identity:    r.Identity,
		StatusCode:  r.Entry.StatusCode,
		Header:      r.Entry.Header,
		Body:        r.Entry.Body,
		ContentType: r.Entry.ContentType,
		StoredAt:    r.Entry.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("encode %q: %w", r.Identity, err)
	}

	fs := s.backend.fs
	tmp, err := util.TempFile(fs, s.name, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("write %q: %w", r.Identity, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("close %q: %w", r.Identity, err)
	}

	target := s.entryPath(r.Identity)
	if err := fs.Remove(target); err != nil && !os.IsNotExist(err) {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("replace %q: %w", r.Identity, err)
	}
	if err := fs.Rename(tmpName, target); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("rename %q: %w", r.Identity, err)
	}
	return nil
}

func (s *filesystemStore) Match(ctx context.Context, id Identity) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, StorageUnavailable(err, "match", s.name)
	}

	f, err := s.backend.fs.Open(s.entryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, StorageUnavailable(err, "match", s.name)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, StorageUnavailable(err, "match", s.name)
	}

	var fe fileEntry
	if err := json.Unmarshal(data, &fe); err != nil {
		return nil, false, StorageUnavailable(fmt.Errorf("decode %q: %w", id, err), "match", s.name)
	}
	if fe.Identity != id {
		return nil, false, nil
	}

	return &Entry{
		StatusCode:  fe.StatusCode,
		Header:      cloneHeader(fe.Header),
		Body:        fe.Body,
		ContentType: fe.ContentType,
		StoredAt:    fe.StoredAt,
	}, true, nil
}

func (s *filesystemStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, StorageUnavailable(err, "len", s.name)
	}

	infos, err := s.backend.fs.ReadDir(s.name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, StorageUnavailable(err, "len", s.name)
	}

	n := 0
	for _, fi := range infos {
		if !fi.IsDir() && strings.HasSuffix(fi.Name(), entryExt) {
			n++
		}
	}
	return n, nil
}

func (s *filesystemStore) entryPath(id Identity) string {
	sum := sha256.Sum256([]byte(id))
	return s.backend.fs.Join(s.name, hex.EncodeToString(sum[:])+entryExt)
}

func checkStoreName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid store name %q", name)
	}
	return nil
}
