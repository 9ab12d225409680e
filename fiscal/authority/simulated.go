package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Simulated is the sandbox authority. It answers after Delay, rejecting every
// submission when RejectReason is set and authorizing it otherwise. Decide, when
// not nil, overrides both.
type Simulated struct {
	Delay        time.Duration
	RejectReason string
	Decide       func(Submission) (Outcome, error)
}

func (s *Simulated) Submit(ctx context.Context, sub Submission) (Outcome, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if s.Decide != nil {
		return s.Decide(sub)
	}

	if s.RejectReason != "" {
		logger.WithField("series", sub.Series).Debugf("Simulated rejection: %s", s.RejectReason)
		return &Rejected{Reason: s.RejectReason}, nil
	}

	ref := uuid.NewString()
	return &Authorized{
		DocumentRef: fmt.Sprintf("sandbox://documents/%s/%s.xml", sub.Series, ref),
		RenderRef:   fmt.Sprintf("sandbox://documents/%s/%s.pdf", sub.Series, ref),
	}, nil
}
