package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Recorder appends transition records to the append-only audit trail.
// A failed append is retried once before being surfaced as AuditError;
// it never reverses or blocks a committed transition.
type Recorder struct {
	Repo repo.Repo
}

func (e Engine) recorder() Recorder {
	return Recorder{Repo: e.Repo}
}

func (r Recorder) Record(ctx context.Context, rec domain.TransitionRecord) error {
	op := func() error {
		return r.Repo.InsertTransition(ctx, rec)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return AuditError{Err: err}
	}
	return nil
}
