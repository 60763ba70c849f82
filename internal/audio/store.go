// Package audio persists streamed answer fragments on disk and merges them
// into one recording per answer group.
package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	sessionDirPrefix = "session_"
	answerDirPrefix  = "answer_"
	fragmentExt      = ".wav"

	// DefaultHeaderSize is the canonical RIFF/WAVE header length.
	DefaultHeaderSize = 44
)

var (
	ErrNotFound     = errors.New("audio: not found")
	ErrInvalidIndex = errors.New("audio: answer group index must be >= 1")
)

// Store owns every fragment and artifact file below a single base directory.
type Store struct {
	baseDir    string
	headerSize int
	fixWAV     bool
	now        func() time.Time
	seq        atomic.Uint64
}

type Option func(*Store)

// WithHeaderSize sets the fixed container header length stripped from every
// fragment after the first.
func WithHeaderSize(n int) Option {
	return func(s *Store) { s.headerSize = n }
}

// WithWAVHeaderFix rewrites RIFF and data chunk sizes of merged WAV artifacts.
func WithWAVHeaderFix(enabled bool) Option {
	return func(s *Store) { s.fixWAV = enabled }
}

func NewStore(baseDir string, opts ...Option) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("audio base directory is required")
	}
	s := &Store{
		baseDir:    baseDir,
		headerSize: DefaultHeaderSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.headerSize < 0 {
		return nil, fmt.Errorf("header size must be >= 0, got %d", s.headerSize)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio base dir: %w", err)
	}
	return s, nil
}

func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) HeaderSize() int { return s.headerSize }

// SessionDir returns the directory holding a session's answer groups without
// touching the filesystem.
func (s *Store) SessionDir(sessionID int64) string {
	return filepath.Join(s.baseDir, sessionDirPrefix+strconv.FormatInt(sessionID, 10))
}

// EnsureSessionDir creates the session directory if it is absent.
func (s *Store) EnsureSessionDir(sessionID int64) (string, error) {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// EnsureAnswerGroupDir resolves the directory of one answer group. With
// create=false a missing directory is reported through exists=false and
// nothing is created.
func (s *Store) EnsureAnswerGroupDir(sessionDir string, index int, create bool) (string, bool, error) {
	if index < 1 {
		return "", false, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	dir := filepath.Join(sessionDir, groupName(index))
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false, fmt.Errorf("create answer group dir: %w", err)
		}
		return dir, true, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return dir, false, nil
		}
		return "", false, fmt.Errorf("stat answer group dir: %w", err)
	}
	if !info.IsDir() {
		return dir, false, nil
	}
	return dir, true, nil
}

// LatestAnswerGroupIndex returns the highest answer group index present in
// sessionDir, or 1 when there is none.
func (s *Store) LatestAnswerGroupIndex(sessionDir string) (int, error) {
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read session dir: %w", err)
	}

	latest := 1
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), answerDirPrefix) {
			continue
		}
		n, ok := trailingInt(e.Name())
		if ok && n > latest {
			latest = n
		}
	}
	return latest, nil
}

// WriteFragment stores data as a new fragment of the given answer group.
// The file is written under a hidden temporary name and renamed into place,
// so readers never observe a partial fragment.
func (s *Store) WriteFragment(sessionDir string, index int, data []byte) (string, error) {
	dir, _, err := s.EnsureAnswerGroupDir(sessionDir, index, true)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%013d-%020d-%s%s",
		s.now().UnixMilli(),
		s.seq.Add(1),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		fragmentExt,
	)
	path := filepath.Join(dir, name)
	if err := writeFileAtomic(dir, path, data); err != nil {
		return "", fmt.Errorf("write fragment: %w", err)
	}
	return path, nil
}

// ListFragments returns the fragment paths of an answer group in creation
// order. A missing group yields an empty list.
func (s *Store) ListFragments(sessionDir string, index int) ([]string, error) {
	dir, exists, err := s.EnsureAnswerGroupDir(sessionDir, index, false)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read answer group dir: %w", err)
	}

	var frags []fragmentName
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f, ok := parseFragmentName(e.Name()); ok {
			frags = append(frags, f)
		}
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].less(frags[j]) })

	paths := make([]string, len(frags))
	for i, f := range frags {
		paths[i] = filepath.Join(dir, f.name)
	}
	return paths, nil
}

// HasArtifact reports whether the answer group has already been reassembled.
func (s *Store) HasArtifact(sessionDir string, index int) bool {
	if index < 1 {
		return false
	}
	_, err := os.Stat(filepath.Join(sessionDir, groupName(index), ArtifactName(index)))
	return err == nil
}

type fragmentName struct {
	name string
	ms   int64
	seq  uint64
}

func (f fragmentName) less(o fragmentName) bool {
	if f.ms != o.ms {
		return f.ms < o.ms
	}
	if f.seq != o.seq {
		return f.seq < o.seq
	}
	return f.name < o.name
}

// parseFragmentName accepts "<ms>-<seq>-<suffix>.wav" as well as the bare
// "<ms>.wav" form; anything else (artifacts, temp files) is not a fragment.
func parseFragmentName(name string) (fragmentName, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fragmentExt) {
		return fragmentName{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, fragmentExt), "-")
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fragmentName{}, false
	}
	f := fragmentName{name: name, ms: ms}
	if len(parts) > 1 {
		seq, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fragmentName{}, false
		}
		f.seq = seq
	}
	return f, true
}

func groupName(index int) string {
	return answerDirPrefix + strconv.Itoa(index)
}

func trailingInt(name string) (int, bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
