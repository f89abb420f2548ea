package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

// fileStore keeps the store as one JSON document.
//
// Files:
//   - <path>                 (current store)
//   - <path>.tmp             (in-progress write, renamed over <path>)
//   - <path>.corrupt-<unix>  (unreadable store moved aside on load)
type fileStore struct {
	log  logx.Logger
	fs   afero.Fs
	path string
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	return NewFile(afero.NewOsFs(), path, log)
}

// NewFile returns a file store on fs. The parent directory is created.
func NewFile(fs afero.Fs, path string, log logx.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, fs: fs, path: path, now: time.Now}, nil
}

func (s *fileStore) Load(ctx context.Context) (*job.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no store file; starting empty", logx.String("path", s.path))
		return job.NewStore(), nil
	}
	if err != nil {
		return nil, err
	}
	st, err := decodeStore(b)
	if err == nil {
		return st, nil
	}

	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if rerr := s.fs.Rename(s.path, aside); rerr != nil {
		s.log.Warn("unreadable store could not be moved aside", logx.String("path", s.path), logx.Err(rerr))
	}
	s.log.Warn("unreadable store; starting empty", logx.String("path", s.path), logx.String("aside", aside), logx.Err(err))
	return job.NewStore(), nil
}

func (s *fileStore) Save(ctx context.Context, st *job.Store) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeStore(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
