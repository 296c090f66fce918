// Package autofix walks the error dashboard and applies the error policy to
// each open record: transient failures are retried later, layout breaks and
// unresolved titles are handed to the rule learner.
package autofix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"animeheal/dashboard"
	"animeheal/metrics"
	"animeheal/policy"
	"animeheal/rules"
)

const (
	// DefaultMaxAttempts is the attempt count at which a record stops
	// being considered.
	DefaultMaxAttempts = 3
	// DefaultCooldown is the pause after scheduling a retry.
	DefaultCooldown = 8 * time.Second
)

// Learner repairs a failure by learning a new rule. *rules.Learner
// satisfies it.
type Learner interface {
	Learn(ctx context.Context, lc rules.LearnContext) (rules.Outcome, error)
}

// Summary counts what a run did.
type Summary struct {
	RunID      string
	Analyzable int
	Ignored    int
	Retried    int
	Learned    int
	Exists     int
	Failed     int
	Skipped    int
}

// Orchestrator runs one autofix pass over a dashboard.
type Orchestrator struct {
	dash        *dashboard.Dashboard
	learner     Learner
	policy      policy.Policy
	maxAttempts int
	cooldown    time.Duration
	out         io.Writer
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy replaces the default error policy.
func WithPolicy(p policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithMaxAttempts sets the attempt ceiling for eligibility.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithCooldown sets the pause after a retry is scheduled.
func WithCooldown(d time.Duration) Option {
	return func(o *Orchestrator) { o.cooldown = d }
}

// WithOutput sets where the user-facing progress lines go.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = lg }
}

// New creates an orchestrator over dash.
func New(dash *dashboard.Dashboard, learner Learner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dash:        dash,
		learner:     learner,
		policy:      policy.Default(),
		maxAttempts: DefaultMaxAttempts,
		cooldown:    DefaultCooldown,
		out:         os.Stdout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Eligible reports whether r should be acted on in this run.
func (o *Orchestrator) Eligible(r dashboard.Record) bool {
	if r.Fixed || r.Attempts >= o.maxAttempts {
		return false
	}
	if !r.Type.AIEligible() && policy.Base(r.Type) != policy.Retry {
		return false
	}
	// The learner cannot repair a layout it has not seen.
	if r.Type.Structural() && r.HTML == "" {
		return false
	}
	return true
}

// Run processes every eligible record and saves the dashboard. The final
// confirmation line is printed only after the save succeeds.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	lg := o.logger.With("run_id", sum.RunID)

	records := o.dash.Records()
	var todo []dashboard.Record
	for _, r := range records {
		if o.Eligible(r) {
			todo = append(todo, r)
		}
	}
	sum.Analyzable = len(todo)
	sum.Ignored = len(records) - len(todo)

	fmt.Fprintf(o.out, "%d analyzable, %d ignored\n", sum.Analyzable, sum.Ignored)
	lg.Info("autofix started", "analyzable", sum.Analyzable, "ignored", sum.Ignored)

	var runErr error
	for _, r := range todo {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := o.handle(ctx, lg, r, &sum); err != nil {
			runErr = err
			break
		}
	}

	if err := o.dash.Save(); err != nil {
		lg.Error("saving dashboard failed", "error", err)
		return sum, fmt.Errorf("saving dashboard: %w", err)
	}
	if runErr != nil {
		return sum, runErr
	}

	fmt.Fprintf(o.out, "dashboard updated: %d learned, %d already known, %d failed, %d retried\n",
		sum.Learned, sum.Exists, sum.Failed, sum.Retried)
	lg.Info("autofix finished",
		"learned", sum.Learned,
		"exists", sum.Exists,
		"failed", sum.Failed,
		"retried", sum.Retried,
		"skipped", sum.Skipped)
	return sum, nil
}

func (o *Orchestrator) handle(ctx context.Context, lg *slog.Logger, r dashboard.Record, sum *Summary) error {
	action := o.policy.Decide(r.Type, r.Attempts)
	fmt.Fprintf(o.out, "[%s] %s %s -> %s\n", r.ID, r.Type, r.URL, action)
	metrics.AutofixActions.WithLabelValues(string(action)).Inc()

	switch action {
	case policy.Retry:
		if err := o.dash.IncAttempts(r.ID); err != nil {
			return err
		}
		sum.Retried++
		return sleep(ctx, o.cooldown)

	case policy.CallAI:
		return o.callAI(ctx, lg, r, sum)
	}

	sum.Skipped++
	return nil
}

func (o *Orchestrator) callAI(ctx context.Context, lg *slog.Logger, r dashboard.Record, sum *Summary) error {
	lc := rules.LearnContext{
		Anime:     r.Anime,
		URL:       r.URL,
		Stage:     r.Stage,
		ErrorType: string(r.Type),
		Markup:    r.HTML,
		Attempts:  r.Attempts,
	}
	if r.Type.Category() == policy.TitleUnresolved {
		lc.Stage = rules.StageTitle
	}

	out, err := o.learner.Learn(ctx, lc)
	if errors.Is(err, rules.ErrPersistence) {
		lg.Error("rule store failed", "error_id", r.ID, "error", err)
		return err
	}
	if err != nil {
		if incErr := o.dash.IncAttempts(r.ID); incErr != nil {
			return incErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sum.Failed++
		fmt.Fprintf(o.out, "  not repaired: %s\n", rules.Reason(err))
		lg.Warn("learning failed", "error_id", r.ID, "stage", lc.Stage, "error", err)
		return nil
	}

	if out.Title != nil {
		if err := o.dash.SetMappedTitle(r.ID, out.Title.MatchTitle); err != nil {
			return err
		}
		fmt.Fprintf(o.out, "  mapped to %q\n", out.Title.MatchTitle)
	} else if out.Strategy != nil {
		fmt.Fprintf(o.out, "  %s strategy %s\n", out.Status, out.Strategy.Name)
	}

	if err := o.dash.IncAttempts(r.ID); err != nil {
		return err
	}
	if err := o.dash.MarkPending(r.ID); err != nil {
		return err
	}

	if out.Status == rules.StatusExists {
		sum.Exists++
	} else {
		sum.Learned++
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
