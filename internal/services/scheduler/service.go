package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

// Event types published on the bus after each run.
const (
	EventJobFinished = "scheduler.job.finished"
	EventJobSkipped  = "scheduler.job.skipped"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// JobResult is the payload of EventJobFinished.
type JobResult struct {
	Name string
	Took time.Duration
	Err  error
}

type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     Job
	entryID cron.EntryID
	running *atomic.Bool
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	// base is canceled on Stop so in-flight runs see it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// AddCron registers (or replaces) the job under name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || job == nil {
		return errors.New("scheduler: name and job are required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: job %q: invalid spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, run: job, running: &atomic.Bool{}}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

// Remove unregisters a job. It reports whether the job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Apply updates the config. A timezone change restarts cron; toggling
// Enabled starts or stops it.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case running && strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.mu.Lock()
		s.restartLocked()
		s.mu.Unlock()
	}
}

// Start starts cron triggering. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops triggering, cancels in-flight runs and waits for them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	// Stop triggering first, then cancel running jobs so cron's drain can finish.
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) addLocked(d *jobDef) error {
	eid, err := s.c.AddFunc(d.spec, func() { s.runJob(d) })
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// RunNow executes a registered job synchronously, honoring the overlap rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *jobDef
	for _, d := range s.defs {
		if d.name == name {
			def = d
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.execute(ctx, def)
}

func (s *Service) runJob(d *jobDef) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	_ = s.execute(base, d)
}

var errSkipped = errors.New("previous run still executing")

func (s *Service) execute(ctx context.Context, d *jobDef) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("run skipped", logx.String("job", d.name))
		s.publish(EventJobSkipped, JobResult{Name: d.name, Err: errSkipped})
		return errSkipped
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		took := time.Since(start)
		if err != nil {
			s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
		} else {
			s.log.Debug("job ok", logx.String("job", d.name), logx.Duration("took", took))
		}
		s.publish(EventJobFinished, JobResult{Name: d.name, Took: took, Err: err})
	}()
	return d.run(ctx)
}

func (s *Service) publish(typ string, r JobResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: r})
}

// Snapshot lists registered jobs with their next/previous trigger times.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	return out
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
