package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmflow/swarmflow/types"
)

// SchedulerConfig configures the coordinator loop.
type SchedulerConfig struct {
	// TickInterval is the scheduling tick period.
	TickInterval time.Duration
	// AdmissionTimeout bounds how long a ready step waits before a
	// resource-exhausted event is raised. The step stays ready regardless.
	AdmissionTimeout time.Duration
	// Retention keeps terminal instances queryable before archival.
	Retention time.Duration
}

// instanceRuntime pairs an instance with its scheduler-side bookkeeping.
type instanceRuntime struct {
	inst   *WorkflowInstance
	ctx    context.Context
	cancel context.CancelFunc
	// running counts this instance's in-flight steps, for the per-instance
	// max_concurrency cap.
	running int
	// waitSince tracks when each ready step started waiting for a grant.
	waitSince map[string]time.Time
	flagged   map[string]bool
	waiters   []chan InstanceSnapshot
}

// Control messages. Each carries its own reply channel; the scheduler
// goroutine is the only receiver.
type controlMsg interface{ isControlMsg() }

type submitMsg struct {
	inst  *WorkflowInstance
	reply chan error
}

type pauseMsg struct {
	id    uuid.UUID
	reply chan error
}

type resumeMsg struct {
	id    uuid.UUID
	reply chan error
}

type cancelMsg struct {
	id    uuid.UUID
	reply chan error
}

type statusReply struct {
	snap InstanceSnapshot
	err  error
}

type statusMsg struct {
	id    uuid.UUID
	reply chan statusReply
}

type waitMsg struct {
	id    uuid.UUID
	ch    chan InstanceSnapshot
	reply chan error
}

type retryReadyMsg struct {
	id     uuid.UUID
	stepID string
}

func (submitMsg) isControlMsg()     {}
func (pauseMsg) isControlMsg()      {}
func (resumeMsg) isControlMsg()     {}
func (cancelMsg) isControlMsg()     {}
func (statusMsg) isControlMsg()     {}
func (waitMsg) isControlMsg()       {}
func (retryReadyMsg) isControlMsg() {}

// Scheduler is the single logical owner of all workflow instance state. One
// goroutine runs the coordinator loop; every mutation of instances and step
// states happens there, which is what makes the happens-before and event
// ordering guarantees auditable. Step execution itself is concurrent and
// bounded by the ResourcePool.
type Scheduler struct {
	cfg      SchedulerConfig
	resolver *Resolver
	pool     *ResourcePool
	executor *Executor
	recovery *RecoveryManager
	monitor  *Monitor
	bus      *EventBus
	logger   *zap.Logger

	baseCtx   context.Context
	instances map[uuid.UUID]*instanceRuntime
	results   <-chan stepResult
	control   chan controlMsg

	stopped chan struct{}
	done    chan struct{}
}

// NewScheduler wires the coordinator. results must be the channel the
// executor delivers on.
func NewScheduler(cfg SchedulerConfig, resolver *Resolver, resPool *ResourcePool, executor *Executor, recovery *RecoveryManager, monitor *Monitor, bus *EventBus, results <-chan stepResult, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &Scheduler{
		cfg:       cfg,
		resolver:  resolver,
		pool:      resPool,
		executor:  executor,
		recovery:  recovery,
		monitor:   monitor,
		bus:       bus,
		logger:    logger.With(zap.String("component", "scheduler")),
		baseCtx:   context.Background(),
		instances: make(map[uuid.UUID]*instanceRuntime),
		results:   results,
		control:   make(chan controlMsg, 64),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the coordinator loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it. In-flight handler
// invocations are cancelled through the instance contexts.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
	<-s.done
}

// Done is closed once the coordinator loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped:
			s.shutdown()
			return

		case msg := <-s.control:
			s.handleControl(msg)
			s.scheduleAll()

		case res := <-s.results:
			s.handleResult(res)
			s.scheduleAll()

		case <-ticker.C:
			s.sweepRetention(time.Now())
			s.scheduleAll()
		}
	}
}

func (s *Scheduler) shutdown() {
	for _, rt := range s.instances {
		rt.cancel()
	}
	s.logger.Info("scheduler stopped", zap.Int("instances", len(s.instances)))
}

// post sends a control message unless the scheduler has stopped.
func (s *Scheduler) post(msg controlMsg) error {
	select {
	case s.control <- msg:
		return nil
	case <-s.done:
		return types.NewError(types.ErrEngineClosed, "scheduler is stopped")
	}
}

// ---------------------------------------------------------------------------
// Control handling
// ---------------------------------------------------------------------------

func (s *Scheduler) handleControl(msg controlMsg) {
	switch m := msg.(type) {
	case submitMsg:
		s.handleSubmit(m)
	case pauseMsg:
		m.reply <- s.withActive(m.id, func(rt *instanceRuntime) {
			if !rt.inst.paused {
				rt.inst.paused = true
				s.emitInstance(rt, string(rt.inst.Status), string(rt.inst.Status), "paused")
			}
		})
	case resumeMsg:
		m.reply <- s.withActive(m.id, func(rt *instanceRuntime) {
			if rt.inst.paused {
				rt.inst.paused = false
				s.emitInstance(rt, string(rt.inst.Status), string(rt.inst.Status), "resumed")
			}
		})
	case cancelMsg:
		m.reply <- s.withActive(m.id, func(rt *instanceRuntime) {
			s.cancelInstance(rt)
		})
	case statusMsg:
		rt, ok := s.instances[m.id]
		if !ok {
			m.reply <- statusReply{err: types.Errorf(types.ErrInstanceNotFound, "instance %s not found", m.id)}
			return
		}
		m.reply <- statusReply{snap: rt.inst.snapshot()}
	case waitMsg:
		rt, ok := s.instances[m.id]
		if !ok {
			m.reply <- types.Errorf(types.ErrInstanceNotFound, "instance %s not found", m.id)
			return
		}
		if rt.inst.Status.Terminal() {
			m.ch <- rt.inst.snapshot()
		} else {
			rt.waiters = append(rt.waiters, m.ch)
		}
		m.reply <- nil
	case retryReadyMsg:
		s.handleRetryReady(m)
	}
}

func (s *Scheduler) withActive(id uuid.UUID, fn func(rt *instanceRuntime)) error {
	rt, ok := s.instances[id]
	if !ok {
		return types.Errorf(types.ErrInstanceNotFound, "instance %s not found", id)
	}
	if rt.inst.Status.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "instance %s is already %s", id, rt.inst.Status)
	}
	fn(rt)
	return nil
}

func (s *Scheduler) handleSubmit(m submitMsg) {
	inst := m.inst
	ctx, cancel := context.WithCancel(s.baseCtx)
	rt := &instanceRuntime{
		inst:      inst,
		ctx:       ctx,
		cancel:    cancel,
		waitSince: make(map[string]time.Time),
		flagged:   make(map[string]bool),
	}
	s.instances[inst.ID] = rt

	inst.Status = InstanceRunning
	inst.StartedAt = time.Now()
	s.emitInstance(rt, string(InstancePending), string(InstanceRunning), "accepted")
	s.monitor.InstanceStarted()

	s.logger.Info("instance accepted",
		zap.String("instance_id", inst.ID.String()),
		zap.String("workflow", inst.Definition.Name),
		zap.Int("steps", len(inst.Steps)),
	)
	m.reply <- nil
}

func (s *Scheduler) handleRetryReady(m retryReadyMsg) {
	rt, ok := s.instances[m.id]
	if !ok {
		return
	}
	state, ok := rt.inst.Steps[m.stepID]
	if !ok || state.Status != StepRetrying {
		return
	}
	state.ReadySince = time.Now()
	s.transitionStep(rt, m.stepID, StepReady, "")
}

// cancelInstance broadcasts cancellation to in-flight steps and skips every
// non-terminal step. Executors that ignore the signal are forced out by
// their attempt timeout; their late results are released and discarded.
func (s *Scheduler) cancelInstance(rt *instanceRuntime) {
	rt.cancel()
	for _, id := range rt.inst.graph.order {
		state := rt.inst.Steps[id]
		if state.Status.Terminal() {
			continue
		}
		state.Err = types.NewError(types.ErrCancelled, "instance cancelled").WithStep(id)
		state.FinishedAt = time.Now()
		s.transitionStep(rt, id, StepSkipped, "instance cancelled")
	}
	from := rt.inst.Status
	rt.inst.Status = InstanceCancelled
	rt.inst.FinishedAt = time.Now()
	rt.inst.Failure = types.NewError(types.ErrCancelled, "instance cancelled")
	s.emitInstance(rt, string(from), string(InstanceCancelled), "cancelled")
	s.monitor.InstanceFinalized(InstanceCancelled)
	s.notifyWaiters(rt)
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// readyStep pairs a ready step with its owning runtime so admission can be
// ordered across instances. The ResourcePool is shared, so a grant given to
// one instance is a grant denied to every other.
type readyStep struct {
	rt *instanceRuntime
	id string
}

func (s *Scheduler) scheduleAll() {
	now := time.Now()
	var ready []readyStep
	for _, rt := range s.instances {
		ready = append(ready, s.settleInstance(rt, now)...)
	}
	sortReadySteps(ready)
	waiting := s.dispatchReady(ready, now)
	for _, rt := range s.instances {
		s.maybeFinalize(rt)
	}
	s.monitor.SetReadyWaiting(waiting)
}

// settleInstance applies one pass of derived transitions (cascade skips,
// condition skips, eligibility) and returns the instance's ready steps that
// may compete for capacity this pass.
func (s *Scheduler) settleInstance(rt *instanceRuntime, now time.Time) []readyStep {
	inst := rt.inst
	if inst.Status.Terminal() {
		return nil
	}

	// Skips derived from failed or skipped dependencies propagate first so
	// blocked steps never linger pending.
	for _, cs := range s.resolver.CascadeSkips(inst) {
		state := inst.Steps[cs.StepID]
		state.Err = dependencyFailedError(cs.StepID, cs.Cause)
		state.FinishedAt = now
		s.transitionStep(rt, cs.StepID, StepSkipped, fmt.Sprintf("dependency %s did not complete", cs.Cause))
	}

	// Steps whose condition settled false are untaken branches: skipped,
	// but satisfying their dependents.
	for _, id := range s.resolver.ConditionSkips(inst) {
		state := inst.Steps[id]
		state.SkipSatisfied = true
		state.Err = types.NewError(types.ErrConditionFalse, "condition evaluated false").WithStep(id)
		state.FinishedAt = now
		s.transitionStep(rt, id, StepSkipped, "condition evaluated false")
	}

	for _, id := range s.resolver.Eligible(inst) {
		inst.Steps[id].ReadySince = now
		s.transitionStep(rt, id, StepReady, "")
	}

	if inst.paused {
		return nil
	}
	var ready []readyStep
	for _, id := range inst.graph.order {
		if inst.Steps[id].Status == StepReady {
			ready = append(ready, readyStep{rt: rt, id: id})
		}
	}
	return ready
}

// sortReadySteps orders the pass's ready steps for admission: priority
// descending, then longest waiting first, then instance and step id so ties
// resolve the same way every pass.
func sortReadySteps(steps []readyStep) {
	sort.SliceStable(steps, func(a, b int) bool {
		sa, sb := steps[a], steps[b]
		da, _ := sa.rt.inst.Definition.Step(sa.id)
		db, _ := sb.rt.inst.Definition.Step(sb.id)
		if da.Priority != db.Priority {
			return da.Priority > db.Priority
		}
		ra := sa.rt.inst.Steps[sa.id].ReadySince
		rb := sb.rt.inst.Steps[sb.id].ReadySince
		if !ra.Equal(rb) {
			return ra.Before(rb)
		}
		if sa.rt.inst.ID != sb.rt.inst.ID {
			return sa.rt.inst.ID.String() < sb.rt.inst.ID.String()
		}
		return sa.id < sb.id
	})
}

// dispatchReady offers grants to ready steps in admission order across all
// instances.
func (s *Scheduler) dispatchReady(ready []readyStep, now time.Time) int {
	waiting := 0

	for _, rs := range ready {
		rt := rs.rt
		inst := rt.inst
		id := rs.id
		state := inst.Steps[id]
		def, _ := inst.Definition.Step(id)
		agent := state.targetAgent(def)

		if maxConc := inst.Definition.Defaults.MaxConcurrency; maxConc > 0 && rt.running >= maxConc {
			waiting += s.recordWait(rt, id, now)
			continue
		}

		if !s.pool.TryAcquire(GrantRequest{InstanceID: inst.ID, StepID: id, Agent: agent}) {
			waiting += s.recordWait(rt, id, now)
			continue
		}

		// Attempt counters increment before the invocation.
		state.Attempt++
		state.TotalAttempts++
		priorOutputs := inst.completedOutputs()

		if !s.executor.Dispatch(rt.ctx, inst.ID, def, agent, state.Attempt, priorOutputs) {
			// Worker pool saturated: undo and leave the step ready.
			state.Attempt--
			state.TotalAttempts--
			s.pool.Release(agent)
			waiting += s.recordWait(rt, id, now)
			continue
		}

		state.StartedAt = now
		delete(rt.waitSince, id)
		delete(rt.flagged, id)
		rt.running++
		s.transitionStep(rt, id, StepRunning, fmt.Sprintf("attempt %d on %s", state.Attempt, agent))
		s.monitor.StepDispatched(agent, def.Command)
	}
	return waiting
}

// recordWait tracks admission latency for a ready step that received no
// grant. Resource contention never fails a step; past the admission timeout
// a resource-exhausted event is raised once per wait so operators can see
// the backlog.
func (s *Scheduler) recordWait(rt *instanceRuntime, id string, now time.Time) int {
	since, ok := rt.waitSince[id]
	if !ok {
		rt.waitSince[id] = now
		return 1
	}
	if now.Sub(since) >= s.cfg.AdmissionTimeout && !rt.flagged[id] {
		rt.flagged[id] = true
		starved := types.Errorf(types.ErrResourceExhausted,
			"waiting %s for a grant", now.Sub(since).Round(time.Millisecond)).
			WithStep(id).WithRetryable(true)
		s.emitStep(rt, id, string(StepReady), string(StepReady), starved.Error())
		s.logger.Warn("step starved for capacity",
			zap.String("instance_id", rt.inst.ID.String()),
			zap.String("step_id", id),
			zap.Duration("waiting", now.Sub(since)),
		)
	}
	return 1
}

// ---------------------------------------------------------------------------
// Result handling
// ---------------------------------------------------------------------------

func (s *Scheduler) handleResult(res stepResult) {
	duration := res.finishedAt.Sub(res.startedAt)

	rt, ok := s.instances[res.instanceID]
	if !ok {
		// Instance archived while the attempt was in flight.
		s.pool.Release(res.agent)
		return
	}
	s.pool.Release(res.agent)
	if rt.running > 0 {
		rt.running--
	}

	state, ok := rt.inst.Steps[res.stepID]
	if !ok {
		return
	}
	if state.Status != StepRunning {
		// The step was already skipped (cancellation); record the late
		// completion for metrics only.
		s.monitor.StepFinished(res.agent, res.command, "cancelled", duration)
		return
	}

	if res.err == nil {
		state.Output = res.output
		state.Err = nil
		state.FinishedAt = res.finishedAt
		s.transitionStep(rt, res.stepID, StepCompleted, "")
		s.monitor.StepFinished(res.agent, res.command, "completed", duration)
		s.maybeFinalize(rt)
		return
	}

	if res.err.Code == types.ErrCancelled {
		state.Err = res.err
		state.FinishedAt = res.finishedAt
		s.transitionStep(rt, res.stepID, StepSkipped, "attempt cancelled")
		s.monitor.StepFinished(res.agent, res.command, "cancelled", duration)
		s.maybeFinalize(rt)
		return
	}

	outcome := "failed"
	if res.err.Code == types.ErrTimeout {
		outcome = "timeout"
	}
	s.monitor.StepFinished(res.agent, res.command, outcome, duration)

	def, _ := rt.inst.Definition.Step(res.stepID)
	state.Err = res.err
	decision := s.recovery.Decide(def, state, res.err)

	switch decision.Action {
	case ActionRetry:
		s.transitionStep(rt, res.stepID, StepRetrying,
			fmt.Sprintf("retry in %s after %s", decision.Delay, res.err.Code))
		s.monitor.StepRetried(res.agent, res.command)
		s.scheduleRetry(rt.inst.ID, res.stepID, decision.Delay)

	case ActionFallback:
		state.FallbackUsed = true
		state.Attempt = 0
		state.ReadySince = time.Now()
		s.transitionStep(rt, res.stepID, StepRetrying,
			fmt.Sprintf("falling back to agent %s", def.FallbackAgent))
		s.transitionStep(rt, res.stepID, StepReady, "")

	case ActionSkip:
		state.SkipSatisfied = true
		state.FinishedAt = res.finishedAt
		s.transitionStep(rt, res.stepID, StepSkipped,
			fmt.Sprintf("optional step exhausted recovery: %s", res.err.Code))

	case ActionFail:
		state.FinishedAt = res.finishedAt
		s.transitionStep(rt, res.stepID, StepFailed, res.err.Error())
		if decision.Critical {
			s.abortInstance(rt, res.err)
		}
	}

	s.maybeFinalize(rt)
}

func (s *Scheduler) scheduleRetry(id uuid.UUID, stepID string, delay time.Duration) {
	if delay <= 0 {
		s.handleRetryReady(retryReadyMsg{id: id, stepID: stepID})
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case s.control <- retryReadyMsg{id: id, stepID: stepID}:
		case <-s.done:
		}
	})
}

// abortInstance fails the whole instance after a critical step failure:
// in-flight steps are cancelled and every non-terminal step is skipped with
// the originating cause recorded.
func (s *Scheduler) abortInstance(rt *instanceRuntime, cause *types.Error) {
	rt.cancel()
	for _, id := range rt.inst.graph.order {
		state := rt.inst.Steps[id]
		if state.Status.Terminal() {
			continue
		}
		state.Err = dependencyFailedError(id, cause.StepID)
		state.FinishedAt = time.Now()
		s.transitionStep(rt, id, StepSkipped, fmt.Sprintf("aborted by critical failure of %s", cause.StepID))
	}
	from := rt.inst.Status
	rt.inst.Status = InstanceFailed
	rt.inst.FinishedAt = time.Now()
	rt.inst.Failure = cause
	s.emitInstance(rt, string(from), string(InstanceFailed), cause.Error())
	s.monitor.InstanceFinalized(InstanceFailed)
	s.notifyWaiters(rt)
}

// maybeFinalize completes an instance whose steps are all terminal:
// Completed when nothing failed, Failed otherwise.
func (s *Scheduler) maybeFinalize(rt *instanceRuntime) {
	inst := rt.inst
	if inst.Status.Terminal() || !inst.allTerminal() {
		return
	}

	from := inst.Status
	inst.FinishedAt = time.Now()
	if inst.anyFailed() {
		inst.Status = InstanceFailed
		if inst.Failure == nil {
			for _, id := range inst.graph.order {
				if st := inst.Steps[id]; st.Status == StepFailed && st.Err != nil {
					inst.Failure = st.Err
					break
				}
			}
		}
		detail := "one or more steps failed"
		if inst.Failure != nil {
			detail = inst.Failure.Error()
		}
		s.emitInstance(rt, string(from), string(InstanceFailed), detail)
	} else {
		inst.Status = InstanceCompleted
		s.emitInstance(rt, string(from), string(InstanceCompleted), "")
	}

	s.monitor.InstanceFinalized(inst.Status)
	s.notifyWaiters(rt)
	s.logger.Info("instance finalized",
		zap.String("instance_id", inst.ID.String()),
		zap.String("status", string(inst.Status)),
		zap.Duration("elapsed", inst.FinishedAt.Sub(inst.StartedAt)),
	)
}

func (s *Scheduler) notifyWaiters(rt *instanceRuntime) {
	snap := rt.inst.snapshot()
	for _, ch := range rt.waiters {
		select {
		case ch <- snap:
		default:
		}
	}
	rt.waiters = nil
}

// sweepRetention archives terminal instances past the retention window.
func (s *Scheduler) sweepRetention(now time.Time) {
	for id, rt := range s.instances {
		inst := rt.inst
		if !inst.Status.Terminal() {
			continue
		}
		if now.Sub(inst.FinishedAt) < s.cfg.Retention {
			continue
		}
		rt.cancel()
		delete(s.instances, id)
		s.logger.Debug("instance archived",
			zap.String("instance_id", id.String()),
			zap.String("status", string(inst.Status)),
		)
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (s *Scheduler) transitionStep(rt *instanceRuntime, stepID string, to StepStatus, detail string) {
	state := rt.inst.Steps[stepID]
	from := state.Status
	if !stepTransitionAllowed(from, to) {
		// Transition table violations are scheduler bugs; keep the state
		// machine intact and make the fault loud.
		s.logger.Error("invalid step transition",
			zap.String("instance_id", rt.inst.ID.String()),
			zap.String("step_id", stepID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	state.Status = to
	s.emitStep(rt, stepID, string(from), string(to), detail)
}

func (s *Scheduler) emitStep(rt *instanceRuntime, stepID, from, to, detail string) {
	ev := Event{
		Seq:        rt.inst.nextSeq(),
		InstanceID: rt.inst.ID,
		StepID:     stepID,
		From:       from,
		To:         to,
		Timestamp:  time.Now(),
		Detail:     detail,
	}
	s.monitor.Observe(ev)
	s.bus.Publish(ev)
}

func (s *Scheduler) emitInstance(rt *instanceRuntime, from, to, detail string) {
	s.emitStep(rt, "", from, to, detail)
}
