// Package reactor drains the trigger queue: it expands each batch of
// triggers into metric calculations, runs them in dependency order, and
// restamps the risk level of every location and work package it touched.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/riskengine/internal/classifier"
	"github.com/sells-group/riskengine/internal/resilience"
	"github.com/sells-group/riskengine/internal/riskmodel"
	"github.com/sells-group/riskengine/internal/telemetry"
	"github.com/sells-group/riskengine/internal/trigger"
)

// Config tunes a reactor.
type Config struct {
	Workers         int
	BatchSize       int
	MaxRetries      int
	SoftDeadline    time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	// PeekLimit bounds the unfinished triggers listed when deciding
	// whether a missing dependency is still coming.
	PeekLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         1,
		BatchSize:       50,
		MaxRetries:      3,
		SoftDeadline:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		PollInterval:    time.Second,
		PeekLimit:       1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.SoftDeadline <= 0 {
		c.SoftDeadline = d.SoftDeadline
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PeekLimit <= 0 {
		c.PeekLimit = d.PeekLimit
	}
	return c
}

// Reactor is safe for concurrent use; each worker processes its own batch.
type Reactor struct {
	engine     *riskmodel.Engine
	queue      trigger.Queue
	classifier *classifier.Classifier
	metrics    *telemetry.Metrics
	retry      resilience.RetryConfig
	cfg        Config
}

// New creates a reactor. cls may be nil to skip restamping.
func New(engine *riskmodel.Engine, queue trigger.Queue, cls *classifier.Classifier, metrics *telemetry.Metrics, cfg Config) *Reactor {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("reactor", "queue")
	return &Reactor{
		engine:     engine,
		queue:      queue,
		classifier: cls,
		metrics:    metrics,
		retry:      retry,
		cfg:        cfg.withDefaults(),
	}
}

// Report summarises processed work.
type Report struct {
	Triggers     int `json:"triggers"`
	Calculations int `json:"calculations"`
	Stored       int `json:"stored"`
	Disabled     int `json:"disabled"`
	Deferred     int `json:"deferred"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Nacked       int `json:"nacked"`
	Classified   int `json:"classified"`
}

func (r *Report) add(o Report) {
	r.Triggers += o.Triggers
	r.Calculations += o.Calculations
	r.Stored += o.Stored
	r.Disabled += o.Disabled
	r.Deferred += o.Deferred
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Retried += o.Retried
	r.DeadLettered += o.DeadLettered
	r.Nacked += o.Nacked
	r.Classified += o.Classified
}

// Run starts the configured number of workers and blocks until ctx is
// cancelled and every worker has settled its batch.
func (r *Reactor) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "reactor"))
	log.Info("reactor: starting",
		zap.Int("workers", r.cfg.Workers),
		zap.Int("batch_size", r.cfg.BatchSize),
		zap.Int("max_retries", r.cfg.MaxRetries),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Workers {
		g.Go(func() error {
			return r.worker(gctx, i)
		})
	}
	err := g.Wait()
	log.Info("reactor: stopped")
	return err
}

func (r *Reactor) worker(ctx context.Context, id int) error {
	log := zap.L().With(zap.String("component", "reactor"), zap.Int("worker", id))
	for {
		rep, err := r.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Error("reactor: batch failed", zap.Error(err))
		}
		if err == nil && rep.Triggers > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Drain processes batches until the queue is empty. Deferred triggers are
// retried until they succeed or exhaust their retry budget.
func (r *Reactor) Drain(ctx context.Context) (Report, error) {
	var total Report
	for {
		rep, err := r.ProcessBatch(ctx)
		total.add(rep)
		if err != nil {
			return total, err
		}
		if rep.Triggers == 0 || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// ProcessBatch claims one batch and settles every trigger in it.
// Cancelling ctx stops the batch after the calculation in progress; its
// unfinished triggers are nacked. A calculation still running
// ShutdownTimeout after cancellation is abandoned.
func (r *Reactor) ProcessBatch(ctx context.Context) (Report, error) {
	var rep Report
	triggers, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]trigger.Trigger, error) {
		return r.queue.DequeueBatch(ctx, r.cfg.BatchSize)
	})
	if err != nil {
		if ctx.Err() != nil {
			return rep, nil
		}
		return rep, eris.Wrap(err, "reactor: dequeue")
	}
	if len(triggers) == 0 {
		return rep, nil
	}
	rep.Triggers = len(triggers)

	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	limit := armHardCap(ctx, r.cfg.ShutdownTimeout, cancel)
	defer limit.release()

	b := r.plan(work, triggers)
	rep.Calculations = len(b.calcs)
	r.metrics.BatchSize.Observe(float64(len(b.calcs)))

	for _, calc := range b.calcs {
		if ctx.Err() != nil {
			b.interrupted = true
			break
		}
		outcome, reason := r.calculate(work, b, calc)
		if work.Err() != nil {
			b.interrupted = true
			break
		}
		b.outcomes[calc.Key()] = outcome
		switch outcome {
		case telemetry.OutcomeStored:
			rep.Stored++
			b.touch(calc)
		case telemetry.OutcomeDisabled:
			rep.Disabled++
		case telemetry.OutcomeDeferred:
			rep.Deferred++
		case telemetry.OutcomeSkipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
		b.done(calc, reason)
	}

	if !b.interrupted {
		rep.Classified = r.restamp(work, b)
	}
	settleErr := r.settle(context.WithoutCancel(ctx), b, &rep)

	zap.L().Info("reactor: batch settled",
		zap.Int("triggers", rep.Triggers),
		zap.Int("calculations", rep.Calculations),
		zap.Int("stored", rep.Stored),
		zap.Int("deferred", rep.Deferred),
		zap.Int("skipped", rep.Skipped+rep.Failed),
		zap.Int("nacked", rep.Nacked),
		zap.Bool("interrupted", b.interrupted),
	)
	return rep, settleErr
}

// hardCap cancels in-progress work once ShutdownTimeout has passed after
// shutdown was requested.
type hardCap struct {
	mu       sync.Mutex
	timer    *time.Timer
	released bool
	stop     func() bool
}

func armHardCap(ctx context.Context, d time.Duration, cancel context.CancelFunc) *hardCap {
	h := &hardCap{}
	h.stop = context.AfterFunc(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.released {
			return
		}
		zap.L().Info("reactor: shutdown requested, finishing current calculation",
			zap.Duration("hard_cap", d))
		h.timer = time.AfterFunc(d, cancel)
	})
	return h
}

// release disarms the cap. It reports whether a running timer was stopped.
func (h *hardCap) release() bool {
	h.stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return h.timer != nil && h.timer.Stop()
}

// calculate runs one calculation and reports its outcome. A deferred
// outcome carries the reason used for dead-lettering. A missing dependency
// that nothing will produce is skipped instead of deferred.
func (r *Reactor) calculate(ctx context.Context, b *batch, calc riskmodel.Calculation) (string, string) {
	fields := []zap.Field{
		zap.String("tenant_id", calc.Subject.TenantID),
		zap.String("metric", string(calc.Kind)),
		zap.String("subject", calc.Subject.Key()),
	}

	enabled, err := r.engine.Enabled(ctx, calc.Kind, calc.Subject.TenantID)
	if err == nil && !enabled {
		r.metrics.Calculations.WithLabelValues(string(calc.Kind), telemetry.OutcomeDisabled).Inc()
		return telemetry.OutcomeDisabled, ""
	}

	if err == nil {
		start := time.Now()
		soft := time.AfterFunc(r.cfg.SoftDeadline, func() {
			r.metrics.SoftDeadlineExceeded.Inc()
			zap.L().Warn("reactor: calculation exceeded soft deadline",
				append(fields, zap.Duration("soft_deadline", r.cfg.SoftDeadline))...)
		})
		_, err = r.engine.Run(ctx, calc)
		soft.Stop()
		r.metrics.CalculationDuration.WithLabelValues(string(calc.Kind)).Observe(time.Since(start).Seconds())
	}

	outcome, reason := telemetry.OutcomeStored, ""
	if err != nil {
		fields = append(fields, zap.String("error_kind", resilience.ErrorKind(err)), zap.Error(err))
		switch resilience.Classify(err) {
		case resilience.DispositionDefer:
			if r.awaited(ctx, b, calc.Subject.TenantID, err) {
				outcome, reason = telemetry.OutcomeDeferred, err.Error()
				zap.L().Info("reactor: calculation deferred", fields...)
				break
			}
			outcome = telemetry.OutcomeSkipped
			zap.L().Warn("reactor: calculation skipped, dependency not queued", fields...)
		case resilience.DispositionSkip:
			outcome = telemetry.OutcomeSkipped
			zap.L().Warn("reactor: calculation skipped", fields...)
		default:
			outcome = telemetry.OutcomeFailed
			if ctx.Err() == nil {
				zap.L().Error("reactor: calculation failed", fields...)
			}
		}
	}
	r.metrics.Calculations.WithLabelValues(string(calc.Kind), outcome).Inc()
	return outcome, reason
}

// awaited reports whether the dependency err is missing can still land: it
// was deferred earlier in the batch, or an unfinished trigger outside the
// batch expands to its kind for the tenant.
func (r *Reactor) awaited(ctx context.Context, b *batch, tenantID string, err error) bool {
	dep, ok := resilience.AsMissingDependency(err)
	if !ok {
		return false
	}
	if b.outcomes[dep.Dependency+"|"+dep.DependencySubject] == telemetry.OutcomeDeferred {
		return true
	}
	return r.queued(ctx, b)[tenantID+"|"+dep.Dependency]
}

// queued returns the tenant|kind pairs that unfinished triggers outside the
// batch will recompute. The queue is listed once per batch.
func (r *Reactor) queued(ctx context.Context, b *batch) map[string]bool {
	if b.queued != nil {
		return b.queued
	}
	b.queued = make(map[string]bool)
	pending, err := trigger.Peek(ctx, r.queue, r.cfg.PeekLimit)
	if err != nil {
		zap.L().Warn("reactor: list unfinished triggers", zap.Error(err))
		return b.queued
	}
	own := make(map[string]bool, len(b.triggers))
	for _, t := range b.triggers {
		own[t.ID] = true
	}
	for _, t := range pending {
		if own[t.ID] {
			continue
		}
		for _, k := range r.engine.Graph().Expand(t.Kind) {
			b.queued[t.TenantID+"|"+string(k)] = true
		}
	}
	return b.queued
}

// settle acks, retries, dead-letters or nacks every trigger of the batch.
// Retries are enqueued before the original is acked.
func (r *Reactor) settle(ctx context.Context, b *batch, rep *Report) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for i, t := range b.triggers {
		log := zap.L().With(t.Fields()...)
		var outcome string
		switch {
		case b.interrupted && b.pending[i] > 0:
			outcome = "nacked"
			rep.Nacked++
			keep(r.queueOp(ctx, "nack", func(ctx context.Context) error { return r.queue.Nack(ctx, t) }))
		case b.deferred[i] != "" && t.Attempt < r.cfg.MaxRetries:
			outcome = "retried"
			rep.Retried++
			err := r.queueOp(ctx, "enqueue", func(ctx context.Context) error { return r.queue.Enqueue(ctx, t.Retry()) })
			if err != nil {
				keep(err)
				keep(r.queueOp(ctx, "nack", func(ctx context.Context) error { return r.queue.Nack(ctx, t) }))
				continue
			}
			keep(r.queueOp(ctx, "ack", func(ctx context.Context) error { return r.queue.Ack(ctx, t) }))
			log.Info("reactor: trigger deferred", zap.String("reason", b.deferred[i]))
		case b.deferred[i] != "":
			outcome = "dead_lettered"
			rep.DeadLettered++
			keep(r.queueOp(ctx, "dead-letter", func(ctx context.Context) error {
				return trigger.DeadLetter(ctx, r.queue, t, b.deferred[i])
			}))
			log.Warn("reactor: trigger exceeded retry budget", zap.String("reason", b.deferred[i]))
		default:
			outcome = "acked"
			keep(r.queueOp(ctx, "ack", func(ctx context.Context) error { return r.queue.Ack(ctx, t) }))
		}
		r.metrics.Triggers.WithLabelValues(string(t.Kind), outcome).Inc()
	}
	return first
}

func (r *Reactor) queueOp(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := resilience.Do(ctx, r.retry, fn); err != nil {
		return eris.Wrapf(err, "reactor: %s", op)
	}
	return nil
}

// restamp classifies every location and work package whose aggregate was
// stored in the batch. Failures are logged; the next trigger restamps.
func (r *Reactor) restamp(ctx context.Context, b *batch) int {
	if r.classifier == nil {
		return 0
	}
	n := 0
	for _, e := range b.touched {
		var res classifier.Result
		var err error
		switch e.target.Entity {
		case classifier.LocationTarget.Entity:
			res, err = r.classifier.Location(ctx, e.tenantID, e.entityID)
		default:
			res, err = r.classifier.WorkPackage(ctx, e.tenantID, e.entityID)
		}
		if err != nil {
			zap.L().Warn("reactor: classification failed",
				zap.String("tenant_id", e.tenantID),
				zap.String("entity", e.target.Entity),
				zap.String("entity_id", e.entityID),
				zap.Error(err),
			)
			continue
		}
		r.metrics.Classifications.WithLabelValues(res.Entity, string(res.Level)).Inc()
		n++
	}
	return n
}

type stampTarget struct {
	target   classifier.Target
	tenantID string
	entityID string
}

// batch is the planned work of one dequeued batch.
type batch struct {
	triggers []trigger.Trigger
	calcs    []riskmodel.Calculation
	// owners maps a calculation key to the triggers that planned it.
	owners   map[string][]int
	pending  []int
	deferred []string
	// outcomes maps a calculation key to its outcome once run.
	outcomes map[string]string
	queued   map[string]bool

	touched     []stampTarget
	seen        map[string]bool
	interrupted bool
}

// plan expands and deduplicates every trigger, then orders the union.
func (r *Reactor) plan(ctx context.Context, triggers []trigger.Trigger) *batch {
	b := &batch{
		triggers: triggers,
		owners:   make(map[string][]int),
		pending:  make([]int, len(triggers)),
		deferred: make([]string, len(triggers)),
		outcomes: make(map[string]string),
		seen:     make(map[string]bool),
	}
	for i, t := range triggers {
		calcs, err := r.engine.Plan(ctx, t)
		if err != nil {
			fields := append(t.Fields(), zap.String("error_kind", resilience.ErrorKind(err)), zap.Error(err))
			if resilience.Classify(err) == resilience.DispositionDefer {
				b.deferred[i] = err.Error()
				zap.L().Info("reactor: plan deferred", fields...)
			} else {
				zap.L().Error("reactor: plan failed", fields...)
			}
			continue
		}
		for _, c := range calcs {
			key := c.Key()
			if _, dup := b.owners[key]; !dup {
				b.calcs = append(b.calcs, c)
			}
			b.owners[key] = append(b.owners[key], i)
			b.pending[i]++
		}
	}
	r.engine.Order(b.calcs)
	return b
}

func (b *batch) done(calc riskmodel.Calculation, deferReason string) {
	for _, i := range b.owners[calc.Key()] {
		b.pending[i]--
		if deferReason != "" && b.deferred[i] == "" {
			b.deferred[i] = deferReason
		}
	}
}

// touch records the entity whose risk level calc may have changed.
func (b *batch) touch(calc riskmodel.Calculation) {
	var target classifier.Target
	switch calc.Kind {
	case classifier.LocationTarget.Rule, classifier.LocationTarget.Stochastic:
		target = classifier.LocationTarget
	case classifier.WorkPackageTarget.Rule, classifier.WorkPackageTarget.Stochastic:
		target = classifier.WorkPackageTarget
	default:
		return
	}
	key := target.Entity + "|" + calc.Subject.TenantID + "|" + calc.Subject.EntityID
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.touched = append(b.touched, stampTarget{target: target, tenantID: calc.Subject.TenantID, entityID: calc.Subject.EntityID})
}
