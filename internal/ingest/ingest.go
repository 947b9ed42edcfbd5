// Package ingest is the entry point of the pipeline. It validates and
// admits failure events idempotently, then drives matching, scoring and
// recommendation creation on a bounded worker pool so event acknowledgment
// never waits on the oracle.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
	"github.com/fyrsmithlabs/cifixd/internal/matcher"
	"github.com/fyrsmithlabs/cifixd/internal/oracle"
	"github.com/fyrsmithlabs/cifixd/internal/scoring"
)

// Request is one failure-event notification. Delivery is at-least-once
// and possibly duplicated; the (Owner, Repo, RunID) triple deduplicates.
type Request struct {
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	RunID        int64  `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
	Conclusion   string `json:"conclusion"`
	ErrorLog     string `json:"error_log"`
}

// Validate rejects malformed payloads before any record is created.
func (r *Request) Validate() error {
	key := failure.RunKey{Owner: r.Owner, Repo: r.Repo, RunID: r.RunID}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrMalformedInput, err)
	}
	return nil
}

// Store is the persistence surface the coordinator needs.
type Store interface {
	InsertFailureIfAbsent(ctx context.Context, rec *failure.Record) (bool, error)
	GetFailureByRunKey(ctx context.Context, key failure.RunKey) (*failure.Record, error)
	InsertEvent(ctx context.Context, ev *failure.Event) error
}

// Matcher retrieves similar historical failures.
type Matcher interface {
	FindSimilar(ctx context.Context, query failure.FeatureVector, excludeFailureID int64, k int) []matcher.Match
}

// Scorer computes the confidence estimate.
type Scorer interface {
	Score(matches []matcher.Match, profile *failure.Profile, recommendationText string, categories []failure.ErrorCategory) (float64, map[string]float64)
}

// Learner receives admitted failures and serves profiles.
type Learner interface {
	RecordFailure(ctx context.Context, owner, repo string, features failure.FeatureVector, at time.Time) error
	GetProfile(ctx context.Context, owner, repo string) (*failure.Profile, error)
}

// Lifecycle creates recommendations.
type Lifecycle interface {
	Create(ctx context.Context, rec *failure.Record, text string, confidence float64, factors map[string]float64, generatedBy string) (*failure.Recommendation, error)
}

// Config holds coordinator settings.
type Config struct {
	// Workers is the size of the pipeline worker pool.
	Workers int

	// QueueSize bounds the pipeline backlog. A full queue degrades to
	// processing inline rather than dropping the event.
	QueueSize int

	// MaxLogBytes caps stored error logs; longer logs keep their head.
	MaxLogBytes int
}

// DefaultConfig returns coordinator settings for a single-node daemon.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 256, MaxLogBytes: 64 * 1024}
}

// Coordinator admits failure events and schedules their pipeline work.
type Coordinator struct {
	cfg        Config
	store      Store
	classifier *failure.Classifier
	matcher    Matcher
	scorer     Scorer
	learner    Learner
	lifecycle  Lifecycle
	oracle     oracle.Oracle
	logger     *logging.Logger
	now        func() time.Time

	queue chan *failure.Record
	wg    sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool

	admitted   metric.Int64Counter
	duplicates metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// New creates a Coordinator. Call Start before ingesting.
func New(cfg Config, store Store, m Matcher, s Scorer, learner Learner, lc Lifecycle, o oracle.Oracle, logger *logging.Logger) (*Coordinator, error) {
	if store == nil || m == nil || s == nil || learner == nil || lc == nil || o == nil {
		return nil, fmt.Errorf("all coordinator dependencies are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = DefaultConfig().MaxLogBytes
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("ingest")

	c := &Coordinator{
		cfg:        cfg,
		store:      store,
		classifier: failure.NewClassifier(),
		matcher:    m,
		scorer:     s,
		learner:    learner,
		lifecycle:  lc,
		oracle:     o,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan *failure.Record, cfg.QueueSize),
	}

	meter := otel.Meter("cifixd/ingest")
	var err error
	c.admitted, err = meter.Int64Counter("cifixd.ingest.admitted",
		metric.WithDescription("Failure events admitted into the corpus"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create admitted counter", zap.Error(err))
	}
	c.duplicates, err = meter.Int64Counter("cifixd.ingest.duplicates",
		metric.WithDescription("Redelivered failure events deduplicated on the run key"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create duplicate counter", zap.Error(err))
	}
	c.fallbacks, err = meter.Int64Counter("cifixd.ingest.fallbacks",
		metric.WithDescription("Recommendations produced without the oracle"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create fallback counter", zap.Error(err))
	}
	return c, nil
}

// Start launches the worker pool. Pipeline work is bound to ctx, not to
// individual ingest calls, so a caller disconnecting cannot orphan a
// half-admitted failure.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.baseCtx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.logger.Info(ctx, "ingestion coordinator started",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("queue_size", c.cfg.QueueSize),
	)
	return nil
}

// Close drains the queue and stops the workers. The queue is closed
// under the same mutex that guards enqueues, so a concurrent schedule
// either lands its send first or observes the closed flag.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	c.wg.Wait()
	c.cancel()
	return nil
}

// Ingest admits one failure event. It returns the failure record and
// whether this call created it; a redelivered event returns the existing
// record unchanged. Admission is synchronous and cheap, the rest of the
// pipeline runs on the worker pool.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (*failure.Record, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	errorLog := req.ErrorLog
	if len(errorLog) > c.cfg.MaxLogBytes {
		// Back the cut up to a rune boundary so a torn multi-byte rune
		// is never stored.
		cut := c.cfg.MaxLogBytes
		for cut > 0 && !utf8.RuneStart(errorLog[cut]) {
			cut--
		}
		errorLog = errorLog[:cut]
	}

	conclusion := req.Conclusion
	if conclusion == "" {
		conclusion = "failure"
	}

	now := c.now().UTC()
	rec := &failure.Record{
		Owner:        req.Owner,
		Repo:         req.Repo,
		RunID:        req.RunID,
		WorkflowName: req.WorkflowName,
		Conclusion:   conclusion,
		ErrorLog:     errorLog,
		Features:     c.classifier.Extract(errorLog),
		State:        failure.StateNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	inserted, err := c.store.InsertFailureIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		if c.duplicates != nil {
			c.duplicates.Add(ctx, 1)
		}
		existing, getErr := c.store.GetFailureByRunKey(ctx, rec.Key())
		if getErr != nil {
			return nil, false, getErr
		}
		c.logger.Debug(ctx, "duplicate event deduplicated", zap.String("run", rec.Key().String()))
		return existing, false, nil
	}

	if c.admitted != nil {
		c.admitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", rec.Features.Language),
		))
	}
	c.appendEvent(ctx, rec.ID, failure.EventAdmitted)
	if learnErr := c.learner.RecordFailure(ctx, rec.Owner, rec.Repo, rec.Features, now); learnErr != nil {
		c.logger.Warn(ctx, "failed to update repository profile", zap.Error(learnErr))
	}

	c.schedule(rec)
	c.logger.Info(ctx, "failure admitted",
		zap.String("run", rec.Key().String()),
		zap.String("language", rec.Features.Language),
		zap.Int("categories", len(rec.Features.Categories)),
	)
	return rec, true, nil
}

// schedule hands the record to the pool, falling back to inline
// processing when the queue is full or the pool is stopped. Every
// admitted failure must eventually get a recommendation, so dropping is
// not an option. The send happens inside the mutex so it cannot race a
// concurrent Close of the queue, and inline fallbacks run on a fresh
// context because the pool context may already be canceled.
func (c *Coordinator) schedule(rec *failure.Record) {
	c.mu.Lock()
	if c.started && !c.closed {
		select {
		case c.queue <- rec:
			c.mu.Unlock()
			return
		default:
		}
		c.mu.Unlock()
		c.logger.Warn(context.Background(), "pipeline queue full, processing inline",
			zap.String("run", rec.Key().String()))
		c.process(context.Background(), rec)
		return
	}
	c.mu.Unlock()
	c.process(context.Background(), rec)
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for rec := range c.queue {
		c.process(c.baseCtx, rec)
	}
}

// process runs the matcher, scorer and oracle for one admitted failure
// and creates its recommendation. External outages degrade the output
// instead of aborting: no matches, cold-start profile, fallback text.
func (c *Coordinator) process(ctx context.Context, rec *failure.Record) {
	matches := c.matcher.FindSimilar(ctx, rec.Features, rec.ID, 0)

	prof, err := c.learner.GetProfile(ctx, rec.Owner, rec.Repo)
	if err != nil {
		c.logger.Warn(ctx, "profile lookup failed, scoring cold start", zap.Error(err))
		prof = nil
	}

	generatedBy := failure.GeneratedByOracle
	text, err := c.oracle.GenerateFix(ctx, oracle.Request{
		Owner:        rec.Owner,
		Repo:         rec.Repo,
		WorkflowName: rec.WorkflowName,
		ErrorLog:     rec.ErrorLog,
		Language:     rec.Features.Language,
		Categories:   rec.Features.Categories,
	})
	if err != nil {
		generatedBy = failure.GeneratedByFallback
		text = oracle.Fallback(rec.Features.Categories)
		if c.fallbacks != nil {
			c.fallbacks.Add(ctx, 1)
		}
		c.logger.Warn(ctx, "oracle unavailable, using fallback recommendation",
			zap.String("run", rec.Key().String()),
			zap.Error(err),
		)
	}

	confidence, factors := c.scorer.Score(matches, prof, text, rec.Features.Categories)
	if generatedBy == failure.GeneratedByFallback {
		confidence = scoring.ApplyFallbackPenalty(confidence)
	}

	if _, createErr := c.lifecycle.Create(ctx, rec, text, confidence, factors, generatedBy); createErr != nil {
		c.logger.Error(ctx, "failed to create recommendation",
			zap.String("run", rec.Key().String()),
			zap.Error(createErr),
		)
	}
}

func (c *Coordinator) appendEvent(ctx context.Context, failureID int64, eventType string) {
	ev := &failure.Event{
		FailureID: failureID,
		Type:      eventType,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.InsertEvent(ctx, ev); err != nil {
		c.logger.Warn(ctx, "failed to append audit event", zap.Error(err))
	}
}
