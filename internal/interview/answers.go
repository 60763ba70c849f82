package interview

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/interviewd/internal/audio"
	"github.com/MikeSquared-Agency/interviewd/internal/hermes"
)

// FragmentWrite describes one persisted audio fragment.
type FragmentWrite struct {
	Path        string `json:"path"`
	AnswerIndex int    `json:"answer_index"`
	Bytes       int    `json:"bytes"`
}

// WriteFragment stores one audio fragment of a running session. An index
// below 1 selects the current answer group: the latest one, or the next one
// once the latest has been reassembled. The state check, the seal check and
// the write happen under the session lock, so no fragment lands after a
// cancel or next to a sealed artifact.
func (s *Service) WriteFragment(ctx context.Context, id int64, index int, data []byte) (FragmentWrite, error) {
	if err := validateID(id); err != nil {
		return FragmentWrite{}, err
	}
	if len(data) == 0 {
		return FragmentWrite{}, fmt.Errorf("%w: empty audio fragment", ErrValidation)
	}

	defer s.locks.Lock(id)()

	if err := s.requireState(ctx, id, StateInProgress); err != nil {
		return FragmentWrite{}, err
	}

	dir, err := s.audio.EnsureSessionDir(id)
	if err != nil {
		return FragmentWrite{}, s.storageErr("ensure session dir", err)
	}
	if index < 1 {
		if index, err = s.currentAnswerIndex(dir); err != nil {
			return FragmentWrite{}, err
		}
	} else if s.audio.HasArtifact(dir, index) {
		return FragmentWrite{}, fmt.Errorf("%w: answer %d is already sealed", ErrInvalidStateTransition, index)
	}

	path, err := s.audio.WriteFragment(dir, index, data)
	if err != nil {
		return FragmentWrite{}, s.storageErr("write fragment", err)
	}
	s.instruments.FragmentWritten(ctx, len(data))
	s.logger.Debug("fragment written", "session_id", id, "answer", index, "bytes", len(data))
	return FragmentWrite{Path: path, AnswerIndex: index, Bytes: len(data)}, nil
}

// CompleteAnswer reassembles an answer group and hands the artifact to the
// transcription collaborator. Reassembly runs outside the session lock; if
// the session was cancelled meanwhile the artifact is discarded.
func (s *Service) CompleteAnswer(ctx context.Context, id int64, index int) (audio.Artifact, error) {
	if err := validateID(id); err != nil {
		return audio.Artifact{}, err
	}
	if err := s.requireState(ctx, id, StateInProgress); err != nil {
		return audio.Artifact{}, err
	}

	dir := s.audio.SessionDir(id)
	if index < 1 {
		latest, err := s.audio.LatestAnswerGroupIndex(dir)
		if err != nil {
			return audio.Artifact{}, s.storageErr("latest answer group", err)
		}
		index = latest
	}

	art, err := s.audio.Reassemble(dir, index)
	if err != nil {
		if errors.Is(err, audio.ErrNotFound) {
			return audio.Artifact{}, fmt.Errorf("%w: answer %d has no fragments", ErrNotFound, index)
		}
		return audio.Artifact{}, s.storageErr("reassemble", err)
	}

	if art, err = s.keepArtifact(ctx, id, dir, art); err != nil {
		return audio.Artifact{}, err
	}

	s.instruments.AnswerReassembled(ctx)
	s.logger.Info("answer reassembled",
		"session_id", id,
		"answer", index,
		"fragments", art.Fragments,
		"bytes", art.Size,
	)
	s.emit(outbound{hermes.SubjectAnswerReassembled, hermes.AnswerReassembledEvent{
		EventID:     uuid.New().String(),
		SessionID:   id,
		AnswerIndex: index,
		Path:        art.Path,
		Bytes:       art.Size,
		Fragments:   art.Fragments,
		Timestamp:   s.now(),
	}})
	return art, nil
}

// LatestAnswerIndex returns the highest answer group index of the session
// and whether that group has already been reassembled.
func (s *Service) LatestAnswerIndex(ctx context.Context, id int64) (int, bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return 0, false, err
	}
	dir := s.audio.SessionDir(id)
	index, err := s.audio.LatestAnswerGroupIndex(dir)
	if err != nil {
		return 0, false, s.storageErr("latest answer group", err)
	}
	return index, s.audio.HasArtifact(dir, index), nil
}

// keepArtifact re-checks the session under its lock after reassembly. A
// cancelled session loses the artifact. A fragment written between listing
// and sealing is folded in by reassembling again; with the artifact in place
// and the lock held no further fragment can join the group.
func (s *Service) keepArtifact(ctx context.Context, id int64, dir string, art audio.Artifact) (audio.Artifact, error) {
	defer s.locks.Lock(id)()

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return audio.Artifact{}, s.repoErr("get session", err)
	}
	if sess.State == StateCancelled {
		if err := s.audio.DiscardArtifact(dir, art.Index); err != nil {
			s.logger.Warn("failed to discard artifact", "session_id", id, "answer", art.Index, "error", err)
		}
		s.logger.Info("answer discarded after cancellation", "session_id", id, "answer", art.Index)
		return audio.Artifact{}, fmt.Errorf("%w: session cancelled during reassembly", ErrInvalidStateTransition)
	}

	paths, err := s.audio.ListFragments(dir, art.Index)
	if err != nil {
		return audio.Artifact{}, s.storageErr("list fragments", err)
	}
	if len(paths) == art.Fragments {
		return art, nil
	}
	s.logger.Info("late fragment, reassembling again",
		"session_id", id, "answer", art.Index, "fragments", len(paths))
	again, err := s.audio.Reassemble(dir, art.Index)
	if err != nil {
		return audio.Artifact{}, s.storageErr("reassemble", err)
	}
	return again, nil
}

func (s *Service) currentAnswerIndex(dir string) (int, error) {
	latest, err := s.audio.LatestAnswerGroupIndex(dir)
	if err != nil {
		return 0, s.storageErr("latest answer group", err)
	}
	if s.audio.HasArtifact(dir, latest) {
		return latest + 1, nil
	}
	return latest, nil
}

func (s *Service) requireState(ctx context.Context, id int64, want State) error {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return s.repoErr("get session", err)
	}
	if sess.State != want {
		return fmt.Errorf("%w: session is %s", ErrInvalidStateTransition, sess.State)
	}
	return nil
}
