package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/rt809f-bridge/internal/device"
)

// Logger defines the logging interface used by the Correlator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Router resolves devices to sessions. *device.Registry satisfies it.
type Router interface {
	Lookup(deviceID string) (device.Route, error)
	SetBusy(deviceID string, busy bool)
}

// Options configures a Correlator.
type Options struct {
	// ReplicaID is embedded in every job ID this correlator creates.
	ReplicaID string

	// DefaultTimeout applies when Submit is called with timeout <= 0.
	DefaultTimeout time.Duration

	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration

	// Retention is how long terminal jobs remain retrievable.
	Retention time.Duration

	// QueueDepth is the number of Pending jobs allowed behind a dispatched
	// one. Zero selects the reject-fast busy policy.
	QueueDepth int

	// MaxPayloadSize rejects larger payloads; zero disables the check.
	MaxPayloadSize int
}

// drainPollInterval is how often Drain re-checks for outstanding jobs.
const drainPollInterval = 20 * time.Millisecond

// record is the correlator's mutable state for one job.
type record struct {
	mu        sync.Mutex
	job       Job
	sessionID string
	timer     *time.Timer
	done      chan struct{}
}

func (r *record) snapshot() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// lane serialises dispatch for one device.
type lane struct {
	mu     sync.Mutex
	active *record
	queue  []*record

	// dead marks a lane removed by Purge; holders must fetch a fresh one.
	dead bool
}

// outcome describes a terminal transition.
type outcome struct {
	state  State
	result json.RawMessage
	kind   Kind
	msg    string

	// requireDispatched rejects the transition unless the job is Dispatched.
	requireDispatched bool
}

// Correlator tracks jobs from submission to a terminal state.
//
// All public methods are thread-safe.
type Correlator struct {
	router Router
	opts   Options

	jobsMu sync.RWMutex
	jobs   map[string]*record

	lanesMu sync.Mutex
	lanes   map[string]*lane

	closed    atomic.Bool
	submitted atomic.Uint64
	rejected  atomic.Uint64

	obsMu     sync.RWMutex
	observers []Observer

	logger Logger
	now    func() time.Time
}

// NewCorrelator creates a correlator dispatching through router.
func NewCorrelator(router Router, opts Options) *Correlator {
	return &Correlator{
		router: router,
		opts:   opts,
		jobs:   make(map[string]*record),
		lanes:  make(map[string]*lane),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the correlator.
func (c *Correlator) SetLogger(logger Logger) {
	c.logger = logger
}

// AddObserver registers an observer for terminal jobs.
func (c *Correlator) AddObserver(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// Submit creates a job for deviceID and dispatches it if the device is idle.
//
// Parameters:
//   - deviceID: Target device
//   - payload: Opaque command, any JSON value
//   - timeout: Job deadline; <= 0 uses the default, values above the
//     maximum are capped
//
// Returns:
//   - Job: Snapshot in state Dispatched, or Pending when queued
//   - error: device.ErrDeviceNotFound, ErrDeviceBusy, *RemoteDeviceError,
//     ErrInvalidPayload, device.ErrInvalidDeviceID or ErrShuttingDown
func (c *Correlator) Submit(deviceID string, payload json.RawMessage, timeout time.Duration) (Job, error) {
	if c.closed.Load() {
		return Job{}, ErrShuttingDown
	}
	if err := device.ValidateDeviceID(deviceID); err != nil {
		return Job{}, err
	}
	if err := c.validatePayload(payload); err != nil {
		return Job{}, err
	}
	timeout = c.effectiveTimeout(timeout)

	route, err := c.router.Lookup(deviceID)
	if err != nil {
		c.rejected.Add(1)
		return Job{}, err
	}
	if !route.Local() {
		return Job{}, &RemoteDeviceError{DeviceID: deviceID, Replica: route.Replica}
	}

	now := c.now()
	rec := &record{
		job: Job{
			ID:        NewID(c.opts.ReplicaID),
			DeviceID:  deviceID,
			State:     StatePending,
			Payload:   payload,
			ReplicaID: c.opts.ReplicaID,
			CreatedAt: now,
			Deadline:  now.Add(timeout),
		},
		done: make(chan struct{}),
	}

	l := c.lockLane(deviceID)

	if l.active != nil {
		if len(l.queue) >= c.opts.QueueDepth {
			l.mu.Unlock()
			c.rejected.Add(1)
			return Job{}, fmt.Errorf("%w: %s", ErrDeviceBusy, deviceID)
		}
		c.store(rec)
		l.queue = append(l.queue, rec)
		c.arm(rec, timeout)
		snap := rec.snapshot()
		position := len(l.queue)
		l.mu.Unlock()

		c.submitted.Add(1)
		c.logger.Debug("job queued", "job_id", snap.ID, "device_id", deviceID, "position", position)
		return snap, nil
	}

	// Stored before sending so a fast response always finds the job.
	rec.job.State = StateDispatched
	rec.job.DispatchedAt = &now
	rec.sessionID = route.Session.ID()
	c.store(rec)
	l.active = rec

	if err := route.Session.SendCommand(rec.job.ID, payload); err != nil {
		l.active = nil
		l.mu.Unlock()
		c.remove(rec.job.ID)
		c.rejected.Add(1)
		return Job{}, fmt.Errorf("%w: %s: %w", device.ErrDeviceNotFound, deviceID, err)
	}
	c.arm(rec, timeout)
	c.router.SetBusy(deviceID, true)
	snap := rec.snapshot()
	l.mu.Unlock()

	c.submitted.Add(1)
	c.logger.Debug("job dispatched", "job_id", snap.ID, "device_id", deviceID)
	return snap, nil
}

// Get returns a snapshot of a job.
func (c *Correlator) Get(jobID string) (Job, error) {
	rec := c.lookup(jobID)
	if rec == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return rec.snapshot(), nil
}

// Await waits up to wait for a job to reach a terminal state.
//
// The wait only bounds this call; the job keeps its own deadline.
//
// Returns:
//   - Job: Latest snapshot (terminal or not)
//   - error: nil if terminal, ErrWaitElapsed if still outstanding,
//     ErrNotFound if unknown, or ctx.Err() if the caller went away
func (c *Correlator) Await(ctx context.Context, jobID string, wait time.Duration) (Job, error) {
	rec := c.lookup(jobID)
	if rec == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-rec.done:
		case <-timer.C:
		case <-ctx.Done():
			return rec.snapshot(), ctx.Err()
		}
	}

	snap := rec.snapshot()
	if !snap.State.Terminal() {
		return snap, ErrWaitElapsed
	}
	return snap, nil
}

// ResolveFromDevice completes a dispatched job with the device's result.
//
// Returns:
//   - error: ErrLateResponse if the job is unknown, belongs to another
//     device, or is not Dispatched (already terminal or still queued)
func (c *Correlator) ResolveFromDevice(deviceID, jobID string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return c.resolve(deviceID, jobID, outcome{
		state:             StateCompleted,
		result:            result,
		requireDispatched: true,
	})
}

// RejectFromDevice fails a dispatched job with a device-reported error.
func (c *Correlator) RejectFromDevice(deviceID, jobID, message string) error {
	if message == "" {
		message = "device reported an error"
	}
	return c.resolve(deviceID, jobID, outcome{
		state:             StateFailed,
		kind:              KindDeviceError,
		msg:               message,
		requireDispatched: true,
	})
}

func (c *Correlator) resolve(deviceID, jobID string, o outcome) error {
	rec := c.lookup(jobID)
	if rec == nil {
		return fmt.Errorf("%w: unknown job %s", ErrLateResponse, jobID)
	}
	if rec.job.DeviceID != deviceID {
		return fmt.Errorf("%w: job %s belongs to another device", ErrLateResponse, jobID)
	}
	if !c.finish(rec, o) {
		return fmt.Errorf("%w: job %s is %s", ErrLateResponse, jobID, rec.snapshot().State)
	}
	return nil
}

// FailDevice fails every outstanding job for a device with
// KindDeviceDisconnected. Called when the device's owning session ends.
//
// Returns:
//   - int: Number of jobs failed
func (c *Correlator) FailDevice(deviceID, reason string) int {
	l := c.lockLane(deviceID)
	// Queued first, so finishing the active job cannot dispatch them.
	victims := append([]*record(nil), l.queue...)
	if l.active != nil {
		victims = append(victims, l.active)
	}
	l.mu.Unlock()

	return c.failAll(victims, reason)
}

// FailSession fails the job dispatched through a specific session, leaving
// queued jobs for the session that replaced it.
func (c *Correlator) FailSession(deviceID, sessionID, reason string) int {
	l := c.lockLane(deviceID)
	var victim *record
	if l.active != nil {
		l.active.mu.Lock()
		if l.active.sessionID == sessionID {
			victim = l.active
		}
		l.active.mu.Unlock()
	}
	l.mu.Unlock()

	if victim == nil {
		return 0
	}
	return c.failAll([]*record{victim}, reason)
}

// FailAll fails every outstanding job. Used as the last step of shutdown.
func (c *Correlator) FailAll(reason string) int {
	c.jobsMu.RLock()
	recs := make([]*record, 0, len(c.jobs))
	for _, rec := range c.jobs {
		recs = append(recs, rec)
	}
	c.jobsMu.RUnlock()

	// Pending before Dispatched, for the same reason as FailDevice.
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].snapshot().State == StatePending && recs[j].snapshot().State != StatePending
	})
	return c.failAll(recs, reason)
}

func (c *Correlator) failAll(recs []*record, reason string) int {
	n := 0
	for _, rec := range recs {
		if c.finish(rec, outcome{state: StateFailed, kind: KindDeviceDisconnected, msg: reason}) {
			n++
		}
	}
	return n
}

// Shutdown stops accepting submissions. Outstanding jobs are unaffected.
func (c *Correlator) Shutdown() {
	c.closed.Store(true)
}

// Drain blocks until no job is outstanding or ctx is done.
func (c *Correlator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if c.Outstanding() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Outstanding returns the number of Pending or Dispatched jobs.
func (c *Correlator) Outstanding() int {
	s := c.Stats()
	return s.Pending + s.Dispatched
}

// Stats returns counts by state for the jobs currently held.
func (c *Correlator) Stats() Stats {
	c.jobsMu.RLock()
	recs := make([]*record, 0, len(c.jobs))
	for _, rec := range c.jobs {
		recs = append(recs, rec)
	}
	c.jobsMu.RUnlock()

	s := Stats{Submitted: c.submitted.Load(), Rejected: c.rejected.Load()}
	for _, rec := range recs {
		switch rec.snapshot().State {
		case StatePending:
			s.Pending++
		case StateDispatched:
			s.Dispatched++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateTimedOut:
			s.TimedOut++
		}
	}
	return s
}

// Purge removes terminal jobs finished before now minus the retention
// window, and idle device lanes.
//
// Returns:
//   - int: Number of jobs removed
func (c *Correlator) Purge(now time.Time) int {
	cutoff := now.Add(-c.opts.Retention)

	c.jobsMu.Lock()
	n := 0
	for id, rec := range c.jobs {
		rec.mu.Lock()
		expired := rec.job.State.Terminal() && rec.job.FinishedAt != nil && !rec.job.FinishedAt.After(cutoff)
		rec.mu.Unlock()
		if expired {
			delete(c.jobs, id)
			n++
		}
	}
	c.jobsMu.Unlock()

	c.lanesMu.Lock()
	for id, l := range c.lanes {
		if !l.mu.TryLock() {
			continue
		}
		if l.active == nil && len(l.queue) == 0 {
			l.dead = true
			delete(c.lanes, id)
		}
		l.mu.Unlock()
	}
	c.lanesMu.Unlock()

	return n
}

// Run purges expired jobs every interval until ctx is cancelled.
func (c *Correlator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(c.now()); n > 0 {
				c.logger.Debug("purged terminal jobs", "count", n)
			}
		}
	}
}

// finish performs the single compare-and-set into a terminal state, then
// releases the device lane, notifies observers and wakes waiters.
//
// Returns:
//   - bool: true if this call recorded the outcome
func (c *Correlator) finish(rec *record, o outcome) bool {
	now := c.now()

	rec.mu.Lock()
	if rec.job.State.Terminal() || (o.requireDispatched && rec.job.State != StateDispatched) {
		rec.mu.Unlock()
		return false
	}
	rec.job.State = o.state
	rec.job.Result = o.result
	rec.job.ErrorKind = o.kind
	rec.job.Error = o.msg
	rec.job.FinishedAt = &now
	if rec.timer != nil {
		rec.timer.Stop()
	}
	snap := rec.job
	rec.mu.Unlock()

	// Waiters are woken last: once Await returns, the lane is free and
	// observers have seen the job.
	undeliverable := c.release(rec)

	c.logger.Info("job finished",
		"job_id", snap.ID,
		"device_id", snap.DeviceID,
		"state", snap.State,
		"error_kind", snap.ErrorKind,
		"duration_ms", now.Sub(snap.CreatedAt).Milliseconds(),
	)
	c.notify(snap)
	close(rec.done)

	for _, next := range undeliverable {
		c.finish(next, outcome{
			state: StateFailed,
			kind:  KindDeviceDisconnected,
			msg:   "device session unavailable at dispatch",
		})
	}
	return true
}

// release frees rec's place in its lane and dispatches the next queued job.
// It returns queued jobs that could not be delivered; the caller fails them
// outside the lane lock.
func (c *Correlator) release(rec *record) []*record {
	deviceID := rec.job.DeviceID
	l := c.lockLane(deviceID)
	defer l.mu.Unlock()

	if l.active == rec {
		l.active = nil
		return c.advance(deviceID, l)
	}
	for i, q := range l.queue {
		if q == rec {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	return nil
}

// advance dispatches queued jobs until one is in flight. Callers hold l.mu.
func (c *Correlator) advance(deviceID string, l *lane) []*record {
	var undeliverable []*record
	for l.active == nil && len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]

		route, err := c.router.Lookup(deviceID)
		if err != nil || !route.Local() {
			undeliverable = append(undeliverable, next)
			continue
		}
		if !c.markDispatched(next, route.Session.ID()) {
			continue
		}
		l.active = next
		if err := route.Session.SendCommand(next.job.ID, next.job.Payload); err != nil {
			l.active = nil
			undeliverable = append(undeliverable, next)
			continue
		}
		c.logger.Debug("queued job dispatched", "job_id", next.job.ID, "device_id", deviceID)
	}
	c.router.SetBusy(deviceID, l.active != nil)
	return undeliverable
}

func (c *Correlator) markDispatched(rec *record, sessionID string) bool {
	now := c.now()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State != StatePending {
		return false
	}
	rec.job.State = StateDispatched
	rec.job.DispatchedAt = &now
	rec.sessionID = sessionID
	return true
}

// arm starts the job deadline timer.
func (c *Correlator) arm(rec *record, timeout time.Duration) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State.Terminal() {
		return
	}
	rec.timer = time.AfterFunc(timeout, func() {
		c.finish(rec, outcome{
			state: StateTimedOut,
			kind:  KindTimedOut,
			msg:   fmt.Sprintf("no device response within %s", timeout),
		})
	})
}

// lockLane returns the live lane for a device with its mutex held.
func (c *Correlator) lockLane(deviceID string) *lane {
	for {
		c.lanesMu.Lock()
		l, ok := c.lanes[deviceID]
		if !ok {
			l = &lane{}
			c.lanes[deviceID] = l
		}
		c.lanesMu.Unlock()

		l.mu.Lock()
		if !l.dead {
			return l
		}
		l.mu.Unlock()
	}
}

func (c *Correlator) store(rec *record) {
	c.jobsMu.Lock()
	c.jobs[rec.job.ID] = rec
	c.jobsMu.Unlock()
}

func (c *Correlator) remove(jobID string) {
	c.jobsMu.Lock()
	delete(c.jobs, jobID)
	c.jobsMu.Unlock()
}

func (c *Correlator) lookup(jobID string) *record {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	return c.jobs[jobID]
}

func (c *Correlator) notify(j Job) {
	c.obsMu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.JobFinished(j)
	}
}

func (c *Correlator) validatePayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}
	if c.opts.MaxPayloadSize > 0 && len(payload) > c.opts.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidPayload, len(payload), c.opts.MaxPayloadSize)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	return nil
}

func (c *Correlator) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if c.opts.MaxTimeout > 0 && timeout > c.opts.MaxTimeout {
		timeout = c.opts.MaxTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout
}
