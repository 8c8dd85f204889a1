package server

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/config"
	apperrors "github.com/copyleftdev/budgetopt/internal/errors"
	"github.com/copyleftdev/budgetopt/internal/logging"
	"github.com/copyleftdev/budgetopt/internal/optimization"
	"github.com/copyleftdev/budgetopt/internal/scenario"
	"github.com/copyleftdev/budgetopt/internal/store"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Option configures a Server
type Option func(*Server)

// WithStore persists jobs in st. Finished jobs are then served from the
// store and dropped from memory.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithRegisterer registers the server metrics with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.reg = reg }
}

// job is an optimization job tracked in memory
type job struct {
	store.Job
	cancel context.CancelFunc
}

// JobView is the client representation of a job
type JobView struct {
	ID         string         `json:"job_id"`
	Name       string         `json:"name,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Result     *budget.Result `json:"result,omitempty"`
}

func view(j store.Job, withResult bool) JobView {
	v := JobView{
		ID:        j.ID,
		Name:      j.Name,
		Status:    j.Status,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		v.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		v.FinishedAt = &t
	}
	if withResult {
		v.Result = j.Result
	}
	return v
}

// Server runs budget optimization jobs and serves them over JSON-RPC and
// REST. At most WorkerCount jobs run at once; the rest wait as pending.
type Server struct {
	cfg      *config.Config
	logger   Logger
	store    *store.Store
	reg      prometheus.Registerer
	metrics  *metrics
	defaults optimization.Settings
	workers  chan struct{}
	now      func() time.Time

	jobs   map[string]*job
	jobsMu sync.RWMutex // Protects jobs and closed
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a new server instance with the given config and logger
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*job),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	workers := cfg.Optimization.WorkerCount
	if workers < 1 {
		workers = 1
	}
	s.workers = make(chan struct{}, workers)
	s.metrics = newMetrics(s.reg)
	s.defaults = cfg.SolverSettings()
	return s
}

// Submit builds the scenario and starts it as a job. Scenario problems are
// returned here; solver problems are reported on the job.
func (s *Server) Submit(sc *scenario.Scenario) (JobView, error) {
	if sc.Spend.CSV != "" {
		return JobView{}, apperrors.New("spend.csv is not accepted by the server, send the spend rows inline").
			WithCode(apperrors.CodeInvalidParams)
	}
	sc.Options = sc.Options.WithDefaults(s.defaults)

	id := uuid.NewString()
	jobLogger := s.logger.WithFields(map[string]interface{}{
		"job_id":   id,
		"scenario": sc.Name,
	})
	plan, err := sc.Build(logging.NewZapLogger(jobLogger))
	if err != nil {
		return JobView{}, err
	}
	return s.start(id, sc.Name, plan, jobLogger)
}

// start registers a pending job for plan and runs it in the background
func (s *Server) start(id, name string, plan *scenario.Plan, jobLogger *logging.Logger) (JobView, error) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := s.cfg.Optimization.JobTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	j := &job{
		Job: store.Job{
			ID:        id,
			Name:      name,
			Status:    store.StatusPending,
			CreatedAt: s.now().UTC(),
		},
		cancel: cancel,
	}

	s.jobsMu.Lock()
	if s.closed {
		s.jobsMu.Unlock()
		cancel()
		return JobView{}, apperrors.New("server is shutting down")
	}
	s.jobs[id] = j
	snapshot := j.Job
	s.wg.Add(1)
	s.jobsMu.Unlock()

	s.persist(snapshot, jobLogger)
	go s.run(ctx, j, plan, jobLogger)

	jobLogger.Info("optimization submitted", map[string]interface{}{
		"channels": plan.Channels,
		"periods":  len(plan.Horizon),
	})
	return view(snapshot, false), nil
}

// run waits for a worker, runs the plan and records the outcome
func (s *Server) run(ctx context.Context, j *job, plan *scenario.Plan, logger *logging.Logger) {
	defer s.wg.Done()
	defer j.cancel()

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		s.finish(j, nil, ctx.Err(), logger)
		return
	}
	defer func() { <-s.workers }()

	s.update(j, logger, func(sj *store.Job) {
		sj.Status = store.StatusRunning
		sj.StartedAt = s.now().UTC()
	})
	logger.Info("optimization started")

	res, err := s.execute(ctx, plan, logger)
	s.finish(j, res, err, logger)
}

// execute runs the plan, turning a panic in the model or the solver into a
// job error
func (s *Server) execute(ctx context.Context, plan *scenario.Plan, logger *logging.Logger) (res *budget.Result, err error) {
	s.metrics.running.Inc()
	defer s.metrics.running.Dec()
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		logger.Error("recovered from panic", map[string]interface{}{
			"error": rec,
			"stack": string(debug.Stack()),
		})
		res, err = nil, apperrors.Errorf("optimization panicked: %v", rec)
	}()
	return plan.Run(ctx)
}

// finish records the final status. A cancelled or timed out run keeps the
// best allocation found before it stopped.
func (s *Server) finish(j *job, res *budget.Result, err error, logger *logging.Logger) {
	snapshot := s.update(j, logger, func(sj *store.Job) {
		sj.FinishedAt = s.now().UTC()
		sj.Result = res
		switch {
		case err == nil:
			sj.Status = store.StatusCompleted
		case errors.Is(err, context.Canceled):
			sj.Status = store.StatusCancelled
			sj.Error = "cancelled"
		case errors.Is(err, context.DeadlineExceeded):
			sj.Status = store.StatusFailed
			sj.Error = "timed out after " + s.cfg.Optimization.JobTimeout.String()
		default:
			sj.Status = store.StatusFailed
			sj.Error = err.Error()
		}
	})

	started := snapshot.StartedAt
	if started.IsZero() {
		started = snapshot.CreatedAt
	}
	elapsed := snapshot.FinishedAt.Sub(started)
	s.metrics.jobs.WithLabelValues(snapshot.Status).Inc()
	s.metrics.duration.WithLabelValues(snapshot.Status).Observe(elapsed.Seconds())

	fields := map[string]interface{}{
		"status":     snapshot.Status,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if res != nil {
		s.metrics.iterations.Observe(float64(res.Iterations))
		s.metrics.evaluations.Observe(float64(res.Evaluations))
		s.metrics.gradients.Observe(float64(res.Gradients))
		fields["solver_status"] = res.StatusName
		fields["iterations"] = res.Iterations
		fields["gradients"] = res.Gradients
		fields["lift"] = res.Lift()
		fields["warnings"] = len(res.Warnings)
	}
	switch snapshot.Status {
	case store.StatusFailed:
		logger.Error("optimization failed", fields)
	default:
		logger.Info("optimization finished", fields)
	}

	// The store now serves the job
	if s.store != nil {
		s.jobsMu.Lock()
		delete(s.jobs, j.ID)
		s.jobsMu.Unlock()
	}
}

// update applies fn to the job under the lock, persists the new state and
// returns it
func (s *Server) update(j *job, logger *logging.Logger, fn func(*store.Job)) store.Job {
	s.jobsMu.Lock()
	fn(&j.Job)
	snapshot := j.Job
	s.jobsMu.Unlock()

	s.persist(snapshot, logger)
	return snapshot
}

func (s *Server) persist(j store.Job, logger *logging.Logger) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, &j); err != nil {
		logger.WithError(err).Error("failed to persist job")
	}
}

func notFound(id string) error {
	return apperrors.Wrapf(store.ErrNotFound, "job %s", id).WithCode(apperrors.CodeNotFound)
}

// Status returns the job with its result once it has one
func (s *Server) Status(ctx context.Context, id string) (JobView, error) {
	s.jobsMu.RLock()
	j, ok := s.jobs[id]
	var snapshot store.Job
	if ok {
		snapshot = j.Job
	}
	s.jobsMu.RUnlock()
	if ok {
		return view(snapshot, true), nil
	}

	if s.store != nil {
		sj, err := s.store.Get(ctx, id)
		if err == nil {
			return view(*sj, true), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return JobView{}, err
		}
	}
	return JobView{}, notFound(id)
}

// Cancel stops a pending or running job. The job reports cancelled once the
// solver has returned its best allocation.
func (s *Server) Cancel(ctx context.Context, id string) error {
	s.jobsMu.RLock()
	j, ok := s.jobs[id]
	var status string
	if ok {
		status = j.Status
		if !j.Terminal() {
			j.cancel()
		}
	}
	s.jobsMu.RUnlock()

	if !ok && s.store != nil {
		sj, err := s.store.Get(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil {
			ok, status = true, sj.Status
		}
	}

	switch {
	case !ok:
		return notFound(id)
	case status == store.StatusCompleted || status == store.StatusFailed || status == store.StatusCancelled:
		return apperrors.Errorf("cannot cancel job with status %s", status).WithCode(apperrors.CodeInvalidParams)
	}

	s.logger.Info("optimization cancel requested", map[string]interface{}{
		"job_id": id,
	})
	return nil
}

// List returns up to limit jobs without their results, newest first. An
// empty status lists every job.
func (s *Server) List(ctx context.Context, status string, limit int) ([]JobView, error) {
	seen := make(map[string]bool)
	var views []JobView

	s.jobsMu.RLock()
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			views = append(views, view(j.Job, false))
			seen[j.ID] = true
		}
	}
	s.jobsMu.RUnlock()

	if s.store != nil {
		stored, err := s.store.List(ctx, status, limit)
		if err != nil {
			return nil, err
		}
		for _, sj := range stored {
			if !seen[sj.ID] {
				views = append(views, view(*sj, false))
			}
		}
	}

	sort.Slice(views, func(a, b int) bool {
		return views[a].CreatedAt.After(views[b].CreatedAt)
	})
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// Prune removes finished jobs older than the configured retention from the
// store
func (s *Server) Prune(ctx context.Context) (int64, error) {
	if s.store == nil || s.cfg.Database.Retention <= 0 {
		return 0, nil
	}
	n, err := s.store.Prune(ctx, s.now().Add(-s.cfg.Database.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned finished jobs", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Close cancels every job and waits for them to stop
func (s *Server) Close() error {
	s.jobsMu.Lock()
	s.closed = true
	for _, j := range s.jobs {
		j.cancel()
	}
	s.jobsMu.Unlock()

	s.wg.Wait()
	return nil
}
