package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact describes a merged answer recording.
type Artifact struct {
	Path      string
	Index     int
	Size      int
	Fragments int
}

// ArtifactName is the file name of the merged recording of an answer group.
func ArtifactName(index int) string {
	return groupName(index) + fragmentExt
}

// Reassemble merges every fragment of an answer group into a single artifact
// inside the group directory. Re-running it overwrites the previous artifact
// with identical bytes.
func (s *Store) Reassemble(sessionDir string, index int) (Artifact, error) {
	dir, exists, err := s.EnsureAnswerGroupDir(sessionDir, index, false)
	if err != nil {
		return Artifact{}, err
	}
	if !exists {
		return Artifact{}, fmt.Errorf("answer group %d: %w", index, ErrNotFound)
	}

	paths, err := s.ListFragments(sessionDir, index)
	if err != nil {
		return Artifact{}, err
	}
	if len(paths) == 0 {
		return Artifact{}, fmt.Errorf("answer group %d has no fragments: %w", index, ErrNotFound)
	}

	fragments := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return Artifact{}, fmt.Errorf("read fragment %s: %w", filepath.Base(p), err)
		}
		fragments = append(fragments, data)
	}

	merged := Merge(fragments, s.headerSize)
	if s.fixWAV {
		fixWAVSizes(merged)
	}

	path := filepath.Join(dir, ArtifactName(index))
	if err := writeFileAtomic(dir, path, merged); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	return Artifact{
		Path:      path,
		Index:     index,
		Size:      len(merged),
		Fragments: len(fragments),
	}, nil
}

// DiscardArtifact removes the merged recording of an answer group, leaving
// its fragments in place. A missing artifact is not an error.
func (s *Store) DiscardArtifact(sessionDir string, index int) error {
	if index < 1 {
		return ErrInvalidIndex
	}
	err := os.Remove(filepath.Join(sessionDir, groupName(index), ArtifactName(index)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard artifact: %w", err)
	}
	return nil
}

// Merge keeps the first fragment whole and appends only the payload of the
// rest. A fragment no longer than the header contributes nothing.
func Merge(fragments [][]byte, headerSize int) []byte {
	if len(fragments) == 0 {
		return nil
	}
	size := len(fragments[0])
	for _, f := range fragments[1:] {
		if len(f) > headerSize {
			size += len(f) - headerSize
		}
	}

	out := make([]byte, 0, size)
	out = append(out, fragments[0]...)
	for _, f := range fragments[1:] {
		if len(f) > headerSize {
			out = append(out, f[headerSize:]...)
		}
	}
	return out
}

var (
	riffTag = []byte("RIFF")
	waveTag = []byte("WAVE")
	dataTag = []byte("data")
)

// fixWAVSizes updates the RIFF and data chunk lengths of a canonical 44-byte
// WAV header in place. Other containers are left untouched.
func fixWAVSizes(b []byte) {
	if len(b) < 44 || !bytes.Equal(b[0:4], riffTag) || !bytes.Equal(b[8:12], waveTag) || !bytes.Equal(b[36:40], dataTag) {
		return
	}
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)-8))
	binary.LittleEndian.PutUint32(b[40:44], uint32(len(b)-44))
}
