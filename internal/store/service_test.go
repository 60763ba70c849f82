package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/interviewd/internal/audio"
	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/policy"
)

// Exercises the interview service against a real SQLite database.
func newSQLiteService(t *testing.T, now *time.Time) (*interview.Service, *SQLite) {
	t.Helper()
	db := setupSQLite(t)
	files, err := audio.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	token := int64(455)
	svc := interview.NewService(db, files, nil, policy.Default(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		interview.WithClock(func() time.Time { return *now }),
		interview.WithTokenSource(func() int64 { token++; return token }),
	)
	return svc, db
}

func TestService_ExpiredTokenOverSQLite(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	svc, _ := newSQLiteService(t, &now)
	ctx := context.Background()

	sess, err := svc.Schedule(ctx, nil)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if sess.Token != 456 {
		t.Fatalf("token = %d, want 456", sess.Token)
	}

	now = now.Add(interview.DefaultInvitationTTL + time.Minute)
	if _, err := svc.Start(ctx, 456); !errors.Is(err, interview.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	got, err := svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != interview.StateScheduled {
		t.Errorf("state = %s, want scheduled", got.State)
	}
}

func TestService_FullInterviewOverSQLite(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	svc, db := newSQLiteService(t, &now)
	ctx := context.Background()

	sess, err := svc.Schedule(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Start(ctx, sess.Token); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := svc.AcknowledgeModalDismissed(ctx, sess.ID, interview.ModalCancel); err != nil {
		t.Fatalf("AcknowledgeModalDismissed failed: %v", err)
	}
	if _, err := svc.AppendTranscript(ctx, sess.ID, interview.RoleAssistant, "Walk me through your last project."); err != nil {
		t.Fatalf("AppendTranscript failed: %v", err)
	}
	if _, err := svc.AppendTranscript(ctx, sess.ID, interview.RoleUser, "We rebuilt the billing pipeline."); err != nil {
		t.Fatalf("AppendTranscript failed: %v", err)
	}

	for _, n := range []int{100, 80, 120} {
		if _, err := svc.WriteFragment(ctx, sess.ID, 1, make([]byte, n)); err != nil {
			t.Fatalf("WriteFragment failed: %v", err)
		}
	}
	art, err := svc.CompleteAnswer(ctx, sess.ID, 1)
	if err != nil {
		t.Fatalf("CompleteAnswer failed: %v", err)
	}
	if art.Size != 212 {
		t.Errorf("artifact size = %d, want 212", art.Size)
	}

	now = now.Add(20 * time.Minute)
	done, err := svc.Finalize(ctx, sess.ID, sampleMetrics(now.Add(-20*time.Minute)))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if done.State != interview.StateCompleted {
		t.Errorf("state = %s, want completed", done.State)
	}
	if _, err := svc.Finalize(ctx, sess.ID, sampleMetrics(now)); !errors.Is(err, interview.ErrAlreadyFinalized) {
		t.Errorf("expected ErrAlreadyFinalized, got %v", err)
	}

	got, _ := svc.Get(ctx, sess.ID)
	if got.CancelModalDismissals != 1 || len(got.History) != 2 {
		t.Errorf("unexpected persisted session %+v", got)
	}
	entries, _ := svc.Transcript(ctx, sess.ID)
	if len(entries) != 2 || entries[0].Role != interview.RoleAssistant {
		t.Errorf("unexpected transcript %+v", entries)
	}

	var n int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM realtime_session_metrics WHERE session_id = ?`, sess.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one metrics record, got %d", n)
	}
}
