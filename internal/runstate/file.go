package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

const lockRetryDelay = 50 * time.Millisecond

// fileDoc is the on-disk layout. last_tweet_time is read from state files
// written by earlier deployments and folded into LastNotifiedAt.
type fileDoc struct {
	Runs           map[RunID]Record `json:"runs"`
	LastNotifiedAt *time.Time       `json:"last_notified_at,omitempty"`
	LastTweetTime  string           `json:"last_tweet_time,omitempty"`
}

// FileStore keeps the record in a JSON file. Writers take an exclusive lock on
// a sidecar lock file and replace the document with an atomic rename.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore returns a store at path; the file is created on first Add.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the state file location.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(ctx context.Context) (State, error) {
	if err := f.acquire(ctx, false); err != nil {
		return State{}, err
	}
	defer f.lock.Unlock()
	return f.read()
}

func (f *FileStore) Has(ctx context.Context, id RunID) (bool, error) {
	st, err := f.Load(ctx)
	if err != nil {
		return false, err
	}
	return st.Has(id), nil
}

func (f *FileStore) Add(ctx context.Context, id RunID, rec Record) (bool, error) {
	if err := f.acquire(ctx, true); err != nil {
		return false, err
	}
	defer f.lock.Unlock()

	st, err := f.read()
	if err != nil {
		return false, err
	}
	if !st.insert(id, rec) {
		return false, nil
	}
	if err := f.write(st); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) acquire(ctx context.Context, exclusive bool) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperrors.Wrap(err, apperrors.CodeStateUnavailable, "create state directory")
		}
	}
	var (
		ok  bool
		err error
	)
	if exclusive {
		ok, err = f.lock.TryLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = f.lock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeStateUnavailable, "lock state file")
	}
	if !ok {
		return apperrors.New(apperrors.CodeStateUnavailable, "state file is locked")
	}
	return nil
}

func (f *FileStore) read() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return State{}, apperrors.Wrap(err, apperrors.CodeStateUnavailable, "read state file")
	}
	return decodeFile(data)
}

func decodeFile(data []byte) (State, error) {
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, apperrors.Wrap(err, apperrors.CodeStateCorrupt, "decode state file")
	}
	st := NewState()
	for id, rec := range doc.Runs {
		if id == "" {
			return State{}, apperrors.New(apperrors.CodeStateCorrupt, "state file contains an empty run id")
		}
		st.Runs[id] = rec
		st.observe(rec.NotifiedAt)
	}
	if doc.LastNotifiedAt != nil {
		st.observe(*doc.LastNotifiedAt)
	}
	if doc.LastTweetTime != "" {
		t, err := time.Parse(time.RFC3339, doc.LastTweetTime)
		if err != nil {
			return State{}, apperrors.Wrap(err, apperrors.CodeStateCorrupt, "decode last_tweet_time")
		}
		st.observe(t)
	}
	return st, nil
}

func (f *FileStore) write(st State) error {
	doc := fileDoc{Runs: st.Runs}
	if !st.LastNotifiedAt.IsZero() {
		last := st.LastNotifiedAt.UTC()
		doc.LastNotifiedAt = &last
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encode state file")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeStateUnavailable, "create temp state file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return apperrors.Wrap(err, apperrors.CodeStateUnavailable, "write temp state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.Wrap(err, apperrors.CodeStateUnavailable, "sync temp state file")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeStateUnavailable, "close temp state file")
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return apperrors.Wrap(err, apperrors.CodeStateUnavailable, fmt.Sprintf("replace %s", f.path))
	}
	return nil
}
