package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	cfotel "github.com/rpma-off/rpma-sync/internal/adapter/otel"
	"github.com/rpma-off/rpma-sync/internal/config"
	"github.com/rpma-off/rpma-sync/internal/domain/syncop"
	"github.com/rpma-off/rpma-sync/internal/logger"
	"github.com/rpma-off/rpma-sync/internal/port/broadcast"
	"github.com/rpma-off/rpma-sync/internal/port/messagequeue"
	"github.com/rpma-off/rpma-sync/internal/port/remotestore"
	"github.com/rpma-off/rpma-sync/internal/port/syncqueue"
)

const maxRecentErrors = 5

// Batch triggers, recorded on the batch span.
const (
	triggerTick   = "tick"
	triggerManual = "manual"
	triggerEvent  = "event"
)

// SyncService replicates queued local operations to the remote store.
// At most one batch is in flight at any time, whether it was started by the
// background loop, an external trigger or SyncNow.
type SyncService struct {
	queue    syncqueue.Queue
	remote   remotestore.Client
	exists   *ExistenceChecker
	metrics  *SyncMetrics
	cfg      *config.Sync
	strategy syncop.Strategy

	events  messagequeue.Publisher
	hub     broadcast.Broadcaster
	circuit func() string

	sem     chan struct{} // one slot: the batch in flight
	trigger chan string
	wg      sync.WaitGroup
	now     func() time.Time

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	loopDone     chan struct{}
	lastSync     *time.Time
	lastPurge    time.Time
	network      bool
	recentErrors []string
}

// NewSyncService creates a stopped sync service. exists and metrics may be
// nil, in which case an uncached checker and plain counters are used.
func NewSyncService(queue syncqueue.Queue, remote remotestore.Client, exists *ExistenceChecker, metrics *SyncMetrics, cfg *config.Sync) *SyncService {
	strategy, err := syncop.ParseStrategy(cfg.Strategy)
	if err != nil {
		slog.Warn("sync: unknown strategy, using last_write_wins", "strategy", cfg.Strategy)
		strategy = syncop.StrategyLastWriteWins
	}
	if exists == nil {
		exists = NewExistenceChecker(remote, nil, 0)
	}
	if metrics == nil {
		metrics = NewSyncMetrics(nil)
	}
	return &SyncService{
		queue:    queue,
		remote:   remote,
		exists:   exists,
		metrics:  metrics,
		cfg:      cfg,
		strategy: strategy,
		sem:      make(chan struct{}, 1),
		trigger:  make(chan string, 1),
		now:      time.Now,
	}
}

// SetEventPublisher publishes operation and batch events to the message bus.
func (s *SyncService) SetEventPublisher(p messagequeue.Publisher) { s.events = p }

// SetBroadcaster pushes status and batch events to websocket clients.
func (s *SyncService) SetBroadcaster(b broadcast.Broadcaster) { s.hub = b }

// SetCircuitState reports the remote circuit breaker state in Status.
func (s *SyncService) SetCircuitState(fn func() string) { s.circuit = fn }

// Start recovers claims left by an earlier process and launches the
// background loop. The loop runs until Stop is called or ctx is cancelled.
func (s *SyncService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return syncop.ErrAlreadyRunning
	}
	s.running = true
	stopCh := make(chan struct{})
	done := make(chan struct{})
	s.stopCh = stopCh
	s.loopDone = done
	s.mu.Unlock()

	// Holding the batch slot guarantees no claim recovered here belongs to
	// a running SyncNow.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
		return ctx.Err()
	}
	if n, err := s.queue.RecoverStale(ctx); err != nil {
		slog.WarnContext(ctx, "sync: stale claim recovery failed", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "sync: recovered stale claims", "count", n)
	}
	<-s.sem

	go s.loop(ctx, stopCh, done)
	slog.InfoContext(ctx, "sync service started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize, "strategy", s.strategy)
	return nil
}

// Stop suppresses further ticks and waits for the in-flight loop batch to
// finish. It is safe to call more than once.
func (s *SyncService) Stop() {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	done := s.loopDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	s.wg.Wait()

	// A trigger buffered before the stop must not fire after the next Start.
	select {
	case <-s.trigger:
	default:
	}
}

func (s *SyncService) loop(ctx context.Context, stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	select {
	case <-stopCh:
		return
	default:
	}
	s.tick(ctx, triggerTick)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.running && s.stopCh == stopCh {
				s.running = false
				close(stopCh)
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.tick(ctx, triggerTick)
		case source := <-s.trigger:
			s.tick(ctx, source)
		}
	}
}

// tick hands one batch to a worker unless a batch is already in flight.
func (s *SyncService) tick(ctx context.Context, trigger string) {
	select {
	case s.sem <- struct{}{}:
	default:
		slog.DebugContext(ctx, "sync: batch in flight, tick skipped", "trigger", trigger)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		// Stop lets the batch finish, so it must not inherit cancellation.
		res, err := s.runBatch(context.WithoutCancel(ctx), trigger)
		switch {
		case errors.Is(err, syncop.ErrNoNetwork):
			slog.DebugContext(ctx, "sync: remote unreachable, tick skipped")
		case err != nil:
			slog.ErrorContext(ctx, "sync batch aborted", "trigger", trigger, "error", err)
		case res.Processed > 0:
			slog.InfoContext(ctx, "sync batch completed",
				"batch_id", res.BatchID,
				"processed", res.Processed,
				"succeeded", res.Succeeded,
				"failed", res.Failed,
				"abandoned", res.Abandoned,
				"duration", res.Duration,
			)
		}
	}()
}

// HandleTrigger runs a batch on demand from a bus message. It never blocks:
// a trigger arriving while one is pending or while the service is stopped is
// dropped.
func (s *SyncService) HandleTrigger(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TriggerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode trigger: %w", err)
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	select {
	case s.trigger <- triggerEvent:
		slog.DebugContext(ctx, "sync: trigger received", "source", p.Source, "reason", p.Reason)
	default:
	}
	return nil
}

// SyncNow processes exactly one batch. If a batch is in flight it waits for
// it, bounded by ctx. Once started, the batch runs to completion.
// Returns syncop.ErrNoNetwork, without claiming anything, when the remote
// health check fails.
func (s *SyncService) SyncNow(ctx context.Context) (*syncop.Result, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	return s.runBatch(context.WithoutCancel(ctx), triggerManual)
}

// Enqueue records a local mutation for replication.
func (s *SyncService) Enqueue(ctx context.Context, op syncop.Operation) (int64, error) {
	id, err := s.queue.Enqueue(ctx, op)
	if err != nil {
		return 0, err
	}
	slog.DebugContext(ctx, "sync operation enqueued", "operation_id", id, "entity_type", op.EntityType, "entity_id", op.EntityID, "operation_type", op.Type)
	return id, nil
}

// GetOperation returns one queue item.
func (s *SyncService) GetOperation(ctx context.Context, id int64) (*syncop.QueueItem, error) {
	return s.queue.Get(ctx, id)
}

// ListOperations returns queue items with the given status, oldest first.
func (s *SyncService) ListOperations(ctx context.Context, status syncop.Status, limit int) ([]syncop.QueueItem, error) {
	return s.queue.ListByStatus(ctx, status, limit)
}

// Metrics returns the counters together with current queue gauges.
func (s *SyncService) Metrics(ctx context.Context) (*syncop.MetricsSnapshot, error) {
	return s.metrics.Snapshot(ctx, s.queue)
}

// Status returns a copy of the service state and current queue counts.
func (s *SyncService) Status(ctx context.Context) (*syncop.SyncStatus, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}

	st := &syncop.SyncStatus{
		BatchInFlight:  len(s.sem) > 0,
		PendingCount:   stats.Pending,
		FailedCount:    stats.Retrying,
		AbandonedCount: stats.Abandoned,
		TotalCount:     stats.Total,
	}
	if s.circuit != nil {
		st.RemoteCircuit = s.circuit()
	}

	s.mu.Lock()
	st.IsRunning = s.running
	st.NetworkAvailable = s.network
	if s.lastSync != nil {
		t := *s.lastSync
		st.LastSyncTime = &t
	}
	st.RecentErrors = slices.Clone(s.recentErrors)
	s.mu.Unlock()

	if st.RecentErrors == nil {
		st.RecentErrors = []string{}
	}
	return st, nil
}

// runBatch claims and applies one batch. The caller holds the batch slot.
func (s *SyncService) runBatch(ctx context.Context, trigger string) (res *syncop.Result, err error) {
	batchID := uuid.NewString()
	ctx = logger.WithBatchID(ctx, batchID)
	ctx, span := cfotel.StartBatchSpan(ctx, batchID, trigger)
	defer func() { cfotel.EndSpan(span, err) }()

	if herr := s.healthCheck(ctx); herr != nil {
		s.setNetwork(false)
		s.pushErrors(syncop.ErrNoNetwork.Error())
		return nil, fmt.Errorf("%w: %w", syncop.ErrNoNetwork, herr)
	}
	s.setNetwork(true)
	s.maybePurge(ctx)

	res = &syncop.Result{BatchID: batchID, StartedAt: s.now().UTC()}
	ops, err := s.queue.DequeueBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		s.pushErrors(err.Error())
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}

	for i := range ops {
		op := &ops[i]
		outcome, conflict, reason, serr := s.process(ctx, op, batchID)
		if serr != nil {
			s.releaseRemaining(ctx, ops[i:])
			s.pushErrors(serr.Error())
			return res, fmt.Errorf("settle operation %d: %w", op.ID, serr)
		}

		res.Processed++
		if conflict {
			res.Conflicts++
		}
		switch outcome {
		case outcomeCompleted:
			res.Succeeded++
		case outcomeFailed:
			res.Failed++
			res.Errors = append(res.Errors, reason)
		case outcomeAbandoned:
			res.Abandoned++
			res.Errors = append(res.Errors, reason)
		}
	}

	res.FinishedAt = s.now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	s.finishBatch(ctx, res)
	return res, nil
}

func (s *SyncService) healthCheck(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.remote.HealthCheck(ctx)
}

func (s *SyncService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// releaseRemaining returns unsettled claims to pending after a storage
// failure so they are retried without spending a retry.
func (s *SyncService) releaseRemaining(ctx context.Context, ops []syncop.Operation) {
	ids := make([]int64, len(ops))
	for i := range ops {
		ids[i] = ops[i].ID
	}
	if err := s.queue.Release(ctx, ids); err != nil {
		slog.ErrorContext(ctx, "sync: release claims failed, they are recovered on next start", "ids", ids, "error", err)
	}
}

// process applies op and records the outcome in the queue. The returned
// error is a queue storage failure; remote failures are part of the outcome.
func (s *SyncService) process(ctx context.Context, op *syncop.Operation, batchID string) (outcome string, conflict bool, reason string, err error) {
	ctx, span := cfotel.StartOperationSpan(ctx, op)
	start := s.now()

	res, applyErr := s.apply(ctx, op)
	defer func() { cfotel.EndSpan(span, applyErr) }()

	switch {
	case applyErr == nil:
		outcome = outcomeCompleted
		err = s.queue.MarkCompleted(ctx, op.ID)
	case errors.Is(applyErr, syncop.ErrManualResolution):
		outcome = outcomeAbandoned
		reason = applyErr.Error()
		err = s.queue.Abandon(ctx, op.ID, reason)
	default:
		reason = applyErr.Error()
		var status syncop.Status
		status, err = s.queue.MarkFailed(ctx, op.ID, reason)
		outcome = outcomeFailed
		if status == syncop.StatusAbandoned {
			outcome = outcomeAbandoned
		}
	}
	if errors.Is(err, syncop.ErrTerminal) {
		slog.WarnContext(ctx, "sync: operation already settled", "operation_id", op.ID)
		err = nil
	}
	if err != nil {
		return "", false, "", err
	}

	if outcome != outcomeCompleted {
		slog.WarnContext(ctx, "sync operation failed",
			"operation_id", op.ID,
			"entity", op.Ref().String(),
			"operation_type", op.Type,
			"outcome", outcome,
			"error", applyErr,
		)
	}

	s.metrics.recordOperation(ctx, op, outcome, res.conflict, s.now().Sub(start))
	s.publishOperation(ctx, op, outcome, res.resolution, reason, batchID)
	return outcome, res.conflict, reason, nil
}

type applyResult struct {
	conflict   bool
	resolution syncop.ActionKind
}

// apply performs the remote side of one operation: dependency check, then
// the call for its type, then conflict resolution if the store refused it.
func (s *SyncService) apply(ctx context.Context, op *syncop.Operation) (applyResult, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	for _, dep := range op.Dependencies {
		ok, err := s.exists.Exists(ctx, dep)
		if err != nil {
			return applyResult{}, fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if !ok {
			return applyResult{}, fmt.Errorf("%w: %s", syncop.ErrDependencyMissing, dep)
		}
	}

	var err error
	switch op.Type {
	case syncop.OpCreate:
		err = s.remote.CreateEntity(ctx, op.EntityType, op.EntityID, op.Data)
	case syncop.OpUpdate:
		err = s.remote.UpdateEntity(ctx, op.EntityType, op.EntityID, op.Data)
		if errors.Is(err, remotestore.ErrNotFound) {
			err = s.remote.CreateEntity(ctx, op.EntityType, op.EntityID, op.Data)
		}
	case syncop.OpDelete:
		err = s.remote.DeleteEntity(ctx, op.EntityType, op.EntityID)
		if errors.Is(err, remotestore.ErrNotFound) {
			err = nil
		}
		if ce, ok := remotestore.AsConflict(err); ok {
			// Nothing to merge a delete with.
			return applyResult{conflict: true, resolution: syncop.ActionManual},
				fmt.Errorf("%w: %s", syncop.ErrManualResolution, ce.Error())
		}
		if err == nil {
			s.exists.Forget(ctx, op.Ref())
		}
		return applyResult{}, err
	default:
		return applyResult{}, fmt.Errorf("unknown operation type %q", op.Type)
	}

	if ce, ok := remotestore.AsConflict(err); ok {
		action := syncop.Resolve(op, ce.Existing, s.strategy)
		slog.InfoContext(ctx, "sync conflict resolved",
			"operation_id", op.ID,
			"entity", op.Ref().String(),
			"strategy", s.strategy,
			"action", action.Kind,
		)
		return applyResult{conflict: true, resolution: action.Kind}, s.execute(ctx, op, action)
	}
	if err == nil {
		s.exists.MarkExists(ctx, op.Ref())
	}
	return applyResult{}, err
}

// execute carries out a conflict resolution.
func (s *SyncService) execute(ctx context.Context, op *syncop.Operation, action syncop.Action) error {
	ref := op.Ref()
	switch action.Kind {
	case syncop.ActionSkip:
		s.exists.MarkExists(ctx, ref)
		return nil
	case syncop.ActionUpdateEntity:
		err := s.remote.UpdateEntity(ctx, op.EntityType, op.EntityID, action.Payload)
		if errors.Is(err, remotestore.ErrNotFound) {
			err = s.remote.CreateEntity(ctx, op.EntityType, op.EntityID, action.Payload)
		}
		if err != nil {
			return err
		}
		s.exists.MarkExists(ctx, ref)
		return nil
	case syncop.ActionCreateEntity:
		if err := s.remote.CreateEntity(ctx, op.EntityType, op.EntityID, action.Payload); err != nil {
			return err
		}
		s.exists.MarkExists(ctx, ref)
		return nil
	case syncop.ActionDeleteEntity:
		err := s.remote.DeleteEntity(ctx, op.EntityType, op.EntityID)
		if err != nil && !errors.Is(err, remotestore.ErrNotFound) {
			return err
		}
		s.exists.Forget(ctx, ref)
		return nil
	case syncop.ActionManual:
		return fmt.Errorf("%w: %s", syncop.ErrManualResolution, ref)
	default:
		return fmt.Errorf("unknown conflict action %q", action.Kind)
	}
}

func (s *SyncService) maybePurge(ctx context.Context) {
	if s.cfg.PurgeCompletedAfter <= 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := now.Sub(s.lastPurge) >= s.cfg.PurgeInterval
	if due {
		s.lastPurge = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	n, err := s.queue.PurgeCompleted(ctx, now.Add(-s.cfg.PurgeCompletedAfter))
	if err != nil {
		slog.WarnContext(ctx, "sync: purge completed failed", "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "sync: purged completed operations", "count", n)
	}
}

func (s *SyncService) setNetwork(ok bool) {
	s.mu.Lock()
	s.network = ok
	s.mu.Unlock()
}

// pushErrors appends to the recent-errors ring, keeping the newest.
func (s *SyncService) pushErrors(msgs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentErrors = append(s.recentErrors, msgs...)
	if n := len(s.recentErrors); n > maxRecentErrors {
		s.recentErrors = slices.Clone(s.recentErrors[n-maxRecentErrors:])
	}
}

func (s *SyncService) finishBatch(ctx context.Context, res *syncop.Result) {
	finished := res.FinishedAt
	s.mu.Lock()
	s.lastSync = &finished
	if res.Failed == 0 && res.Abandoned == 0 {
		s.recentErrors = nil
	}
	s.mu.Unlock()
	if len(res.Errors) > 0 {
		s.pushErrors(res.Errors...)
	}

	s.metrics.recordBatch(ctx, res)
	if res.Processed > 0 {
		s.publish(ctx, messagequeue.SubjectBatchCompleted, messagequeue.BatchEventPayload{
			BatchID:    res.BatchID,
			Processed:  res.Processed,
			Succeeded:  res.Succeeded,
			Failed:     res.Failed,
			Abandoned:  res.Abandoned,
			Conflicts:  res.Conflicts,
			DurationMS: res.Duration.Milliseconds(),
		})
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, broadcast.EventSyncBatch, res)
		if st, err := s.Status(ctx); err == nil {
			s.hub.BroadcastEvent(ctx, broadcast.EventSyncStatus, st)
		}
	}
}

func (s *SyncService) publishOperation(ctx context.Context, op *syncop.Operation, outcome string, resolution syncop.ActionKind, reason, batchID string) {
	payload := messagequeue.OperationEventPayload{
		OperationID: op.ID,
		EntityType:  string(op.EntityType),
		EntityID:    op.EntityID,
		Operation:   string(op.Type),
		Status:      outcome,
		Resolution:  string(resolution),
		Reason:      reason,
		BatchID:     batchID,
		At:          s.now().UTC(),
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, broadcast.EventSyncOperation, payload)
	}
	switch outcome {
	case outcomeCompleted:
		s.publish(ctx, messagequeue.SubjectOperationCompleted, payload)
	case outcomeAbandoned:
		s.publish(ctx, messagequeue.SubjectOperationAbandoned, payload)
	}
}

func (s *SyncService) publish(ctx context.Context, subject string, payload any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "sync: marshal event", "subject", subject, "error", err)
		return
	}
	if err := s.events.Publish(ctx, subject, data); err != nil {
		slog.WarnContext(ctx, "sync: publish event failed", "subject", subject, "error", err)
	}
}
