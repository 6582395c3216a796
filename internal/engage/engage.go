// Package engage runs batches of engagement actions (like, follow, comment)
// with pacing between actions. This is a separate throttling layer from the
// queue's per-account rate windows: the queue decides whether a posting job
// may run at all, while this package spaces out the small actions inside one
// engagement session. The two are intentionally not unified.
package engage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"socializer/internal/clock"
	"socializer/internal/store"
	logx "socializer/pkg/logx"
)

type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionFollow  ActionType = "follow"
	ActionComment ActionType = "comment"
	ActionSave    ActionType = "save"
	ActionShare   ActionType = "share"
)

func ParseActionType(s string) (ActionType, error) {
	switch t := ActionType(s); t {
	case ActionLike, ActionFollow, ActionComment, ActionSave, ActionShare:
		return t, nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// Action is one engagement step against a target (post url, username, ...).
type Action struct {
	Type     ActionType
	Platform store.Platform
	Target   string
	Comment  string // comment text, ActionComment only
}

// Result records one executed action.
type Result struct {
	Action   Action
	OK       bool
	Error    string
	At       clock.Time
	Duration time.Duration
}

// Batch groups actions that run in one session under shared settings.
type Batch struct {
	Platform store.Platform
	Actions  []Action

	// DelayBetweenActions paces the batch; each action waits its turn.
	DelayBetweenActions time.Duration
	// StopOnFailure aborts the remainder of the batch on the first failed
	// action instead of pushing through.
	StopOnFailure bool
}

// Doer performs a single action. Implementations live with the platform
// automation, outside this package.
type Doer interface {
	Do(ctx context.Context, a Action) error
}

// LogDoer logs each action instead of performing it, for dry runs and local
// testing. Real deployments supply the browser-automation Doer instead.
type LogDoer struct {
	Log logx.Logger
}

func (d *LogDoer) Do(ctx context.Context, a Action) error {
	if !d.Log.IsZero() {
		d.Log.Info("dry-run engagement",
			logx.String("type", string(a.Type)),
			logx.String("platform", string(a.Platform)),
			logx.String("target", a.Target),
		)
	}
	return nil
}

type Runner struct {
	doer Doer
	clk  clock.Clock
	log  logx.Logger
}

func NewRunner(doer Doer, clk clock.Clock, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{doer: doer, clk: clk, log: log.With(logx.String("comp", "engage"))}
}

// RunBatch executes the batch in order, pacing actions with a limiter so a
// burst of work still looks like a human session. Returns the per-action
// results along with an error when the batch was aborted early.
func (r *Runner) RunBatch(ctx context.Context, b Batch) ([]Result, error) {
	if len(b.Actions) == 0 {
		return nil, nil
	}
	delay := b.DelayBetweenActions
	if delay <= 0 {
		delay = 30 * time.Second
	}
	// First action is immediate; the limiter spaces the rest.
	lim := rate.NewLimiter(rate.Every(delay), 1)

	results := make([]Result, 0, len(b.Actions))
	for i, a := range b.Actions {
		if err := lim.Wait(ctx); err != nil {
			return results, err
		}

		start := r.clk.Now()
		err := r.doer.Do(ctx, a)
		res := Result{
			Action:   a,
			OK:       err == nil,
			At:       start,
			Duration: r.clk.Now().Sub(start),
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)

		if err != nil {
			r.log.Warn("engagement action failed",
				logx.String("type", string(a.Type)),
				logx.String("target", a.Target),
				logx.Int("index", i),
				logx.Err(err),
			)
			if b.StopOnFailure {
				return results, fmt.Errorf("batch aborted at action %d/%d: %w", i+1, len(b.Actions), err)
			}
			continue
		}
		r.log.Debug("engagement action done",
			logx.String("type", string(a.Type)),
			logx.String("target", a.Target),
			logx.Duration("dur", res.Duration),
		)
	}
	return results, nil
}
