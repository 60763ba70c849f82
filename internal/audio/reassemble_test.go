package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestReassemble_EndToEnd(t *testing.T) {
	s := newTestStore(t, WithHeaderSize(44))
	sessionDir, _ := s.EnsureSessionDir(1)

	f1, f2, f3 := pattern(100, 1), pattern(80, 50), pattern(120, 90)
	for _, f := range [][]byte{f1, f2, f3} {
		if _, err := s.WriteFragment(sessionDir, 1, f); err != nil {
			t.Fatalf("WriteFragment failed: %v", err)
		}
	}

	art, err := s.Reassemble(sessionDir, 1)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	if art.Size != 212 || art.Fragments != 3 || art.Index != 1 {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if filepath.Base(art.Path) != "answer_1.wav" {
		t.Errorf("unexpected artifact name %s", filepath.Base(art.Path))
	}

	got, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(got) != 100+(80-44)+(120-44) {
		t.Fatalf("expected 212 bytes, got %d", len(got))
	}
	if !bytes.Equal(got[:44], f1[:44]) {
		t.Error("header must come from the first fragment")
	}
	want := append(append(append([]byte{}, f1...), f2[44:]...), f3[44:]...)
	if !bytes.Equal(got, want) {
		t.Error("artifact payload mismatch")
	}
}

func TestReassemble_Idempotent(t *testing.T) {
	s := newTestStore(t)
	sessionDir, _ := s.EnsureSessionDir(2)
	for i := 0; i < 4; i++ {
		if _, err := s.WriteFragment(sessionDir, 1, pattern(60+i*10, byte(i))); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.Reassemble(sessionDir, 1)
	if err != nil {
		t.Fatalf("first Reassemble failed: %v", err)
	}
	a, _ := os.ReadFile(first.Path)

	second, err := s.Reassemble(sessionDir, 1)
	if err != nil {
		t.Fatalf("second Reassemble failed: %v", err)
	}
	b, _ := os.ReadFile(second.Path)

	if !bytes.Equal(a, b) {
		t.Fatal("re-running reassembly must produce identical bytes")
	}
	if second.Fragments != 4 {
		t.Errorf("artifact must not be treated as a fragment, got %d fragments", second.Fragments)
	}
	if !s.HasArtifact(sessionDir, 1) {
		t.Error("expected HasArtifact to report the merged file")
	}
}

func TestReassemble_NotFound(t *testing.T) {
	s := newTestStore(t)
	sessionDir, _ := s.EnsureSessionDir(3)

	if _, err := s.Reassemble(sessionDir, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing group: expected ErrNotFound, got %v", err)
	}

	if _, _, err := s.EnsureAnswerGroupDir(sessionDir, 2, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reassemble(sessionDir, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty group: expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(sessionDir, "answer_2", ArtifactName(2))); !os.IsNotExist(err) {
		t.Error("no artifact may be written for an empty group")
	}
}

func TestMerge_HeaderInvariant(t *testing.T) {
	const h = 44
	tests := []struct {
		name  string
		sizes []int
	}{
		{"single fragment", []int{100}},
		{"single short fragment", []int{10}},
		{"three fragments", []int{100, 80, 120}},
		{"trailing header-only fragment", []int{100, 44}},
		{"short middle fragment", []int{60, 12, 90}},
		{"many small", []int{44, 45, 46, 47, 48}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frags [][]byte
			want := 0
			for i, n := range tt.sizes {
				frags = append(frags, pattern(n, byte(i*7)))
				if i == 0 {
					want += n
				} else if n > h {
					want += n - h
				}
			}
			got := Merge(frags, h)
			if len(got) != want {
				t.Errorf("len = %d, want %d", len(got), want)
			}
			if !bytes.Equal(got[:len(frags[0])], frags[0]) {
				t.Error("first fragment must be kept whole")
			}
		})
	}

	if Merge(nil, h) != nil {
		t.Error("merging nothing should yield nil")
	}
}

func wavFragment(payload int) []byte {
	b := make([]byte, 44+payload)
	copy(b[0:4], "RIFF")
	binary.LittleEndian.PutUint32(b[4:8], uint32(36+payload))
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	copy(b[36:40], "data")
	binary.LittleEndian.PutUint32(b[40:44], uint32(payload))
	return b
}

func TestReassemble_FixesWAVHeader(t *testing.T) {
	s := newTestStore(t, WithWAVHeaderFix(true))
	sessionDir, _ := s.EnsureSessionDir(4)
	for _, n := range []int{100, 200, 300} {
		if _, err := s.WriteFragment(sessionDir, 1, wavFragment(n)); err != nil {
			t.Fatal(err)
		}
	}

	art, err := s.Reassemble(sessionDir, 1)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	got, _ := os.ReadFile(art.Path)
	if len(got) != 44+600 {
		t.Fatalf("expected 644 bytes, got %d", len(got))
	}
	if riff := binary.LittleEndian.Uint32(got[4:8]); riff != uint32(len(got)-8) {
		t.Errorf("RIFF size = %d, want %d", riff, len(got)-8)
	}
	if data := binary.LittleEndian.Uint32(got[40:44]); data != 600 {
		t.Errorf("data size = %d, want 600", data)
	}
}

func TestFixWAVSizes_IgnoresOtherContainers(t *testing.T) {
	b := pattern(64, 3)
	orig := append([]byte{}, b...)
	fixWAVSizes(b)
	if !bytes.Equal(b, orig) {
		t.Error("non-RIFF data must not be modified")
	}
}

func TestDiscardArtifact(t *testing.T) {
	s := newTestStore(t)
	sessionDir, _ := s.EnsureSessionDir(4)
	if _, err := s.WriteFragment(sessionDir, 1, pattern(90, 7)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reassemble(sessionDir, 1); err != nil {
		t.Fatal(err)
	}
	if !s.HasArtifact(sessionDir, 1) {
		t.Fatal("expected artifact after reassembly")
	}

	if err := s.DiscardArtifact(sessionDir, 1); err != nil {
		t.Fatalf("DiscardArtifact failed: %v", err)
	}
	if s.HasArtifact(sessionDir, 1) {
		t.Error("artifact should be gone")
	}
	paths, _ := s.ListFragments(sessionDir, 1)
	if len(paths) != 1 {
		t.Errorf("fragments must survive a discard, got %d", len(paths))
	}

	if err := s.DiscardArtifact(sessionDir, 1); err != nil {
		t.Errorf("second discard should be a no-op, got %v", err)
	}
	if err := s.DiscardArtifact(sessionDir, 0); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("expected ErrInvalidIndex, got %v", err)
	}
}
