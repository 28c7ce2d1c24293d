// Package controller implements the Job Controller: the two cooperating
// loops that poll the job table, resolve archives, acquire reducers,
// dispatch task groups, and reconcile completion/cancellation back into the
// job table (SPEC_FULL.md §4.5).
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/raft-recovery/internal/audit"
	"github.com/ChuLiYu/raft-recovery/internal/metrics"
	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

var log = slog.Default()

// Config holds the controller's tunables, loaded from the service's YAML
// config.
type Config struct {
	// JobsPollDelay is how long each loop sleeps between ticks. Named after
	// the original's jobs_poll_delay, expressed here as a Duration rather
	// than a raw float-seconds value (the config layer does that
	// conversion once at load time).
	JobsPollDelay time.Duration
	// ResultsCacheURI is forwarded to every dispatched task unmodified; the
	// controller never interprets it.
	ResultsCacheURI string
}

// Controller is the Job Controller. It owns active_jobs and the two loops;
// no other component mutates the map.
type Controller struct {
	store      jobStore
	resolver   archiveResolver
	dispatcher dispatcher
	offers     <-chan types.ReducerOffer
	metrics    *metrics.Collector
	journal    journaler
	cfg        Config

	mu     sync.Mutex
	active map[types.JobID]*types.ActiveJob

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// jobStore is the subset of *store.Store the controller needs, named as an
// interface so tests can substitute an in-memory fake instead of a real
// (or sqlmock'd) database connection.
type jobStore interface {
	FetchPending(ctx context.Context) ([]types.JobRow, error)
	FetchCancelling(ctx context.Context) ([]types.JobID, error)
	SetStatus(ctx context.Context, id types.JobID, newStatus types.JobStatus, prev *types.JobStatus, extraDiagnostic string) (bool, error)
}

// archiveResolver is the subset of *archive.Resolver the controller needs.
type archiveResolver interface {
	Resolve(ctx context.Context, cfg *types.SearchConfig) ([]string, error)
}

// dispatcher is the subset of *dispatch.Dispatcher the controller needs;
// named here rather than imported concretely so tests can substitute a fake
// without spinning up the real task-group primitive.
type dispatcher interface {
	Dispatch(ctx context.Context, archiveIDs []string, jobID types.JobID, cfg *types.SearchConfig, resultsCacheURI string) (types.TaskHandle, error)
}

// journaler is the subset of *audit.Journal the controller needs.
type journaler interface {
	Record(eventType audit.EventType, jobID types.JobID, diagnostic string) error
}

// New builds a Controller. offers is typically rendezvous.Rendezvous.Offers().
// journal may be nil, in which case job-status transitions are simply not
// recorded (mirroring the metrics collector's own nil-is-disabled contract).
func New(st jobStore, resolver archiveResolver, d dispatcher, offers <-chan types.ReducerOffer, mc *metrics.Collector, journal journaler, cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:      st,
		resolver:   resolver,
		dispatcher: d,
		offers:     offers,
		metrics:    mc,
		journal:    journal,
		cfg:        cfg,
		active:     make(map[types.JobID]*types.ActiveJob),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// record is a nil-safe wrapper around journal.Record; a write failure is
// logged and otherwise swallowed, per SPEC_FULL §7 — the journal is not
// load-bearing for correctness.
func (c *Controller) record(eventType audit.EventType, jobID types.JobID, diagnostic string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(eventType, jobID, diagnostic); err != nil {
		log.Error("audit record failed", "job_id", jobID, "error", err)
	}
}

// Start launches the pending and updates loops.
func (c *Controller) Start() error {
	c.loopWg.Add(2)
	go c.pendingLoop()
	go c.updatesLoop()
	log.Info("controller started", "jobs_poll_delay", c.cfg.JobsPollDelay)
	return nil
}

// Stop cancels both loops and waits for them to exit.
func (c *Controller) Stop() {
	c.cancel()
	c.loopWg.Wait()
	log.Info("controller stopped")
}

// GetStats reports the current active_jobs size.
func (c *Controller) GetStats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{"active_jobs": len(c.active)}
}

func (c *Controller) sleep() bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(c.cfg.JobsPollDelay):
		return true
	}
}

// pendingLoop is the §4.5 "pending loop": fetch_pending, decode, resolve
// archives, acquire a reducer if required, dispatch, and CAS to RUNNING.
func (c *Controller) pendingLoop() {
	defer c.loopWg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}

		rows, err := c.store.FetchPending(c.ctx)
		if err != nil {
			log.Error("fetch_pending failed", "error", err)
		} else {
			for _, row := range rows {
				c.handlePendingRow(row)
			}
		}

		if !c.sleep() {
			return
		}
	}
}

func (c *Controller) handlePendingRow(row types.JobRow) {
	start := time.Now()

	var cfg types.SearchConfig
	if err := msgpack.Unmarshal(row.SearchConfig, &cfg); err != nil {
		// Decided per SPEC_FULL.md §9: a malformed search_config is a
		// poisoned row, not a silent forever-PENDING job.
		log.Error("search_config decode failed, failing job", "job_id", row.ID, "error", err)
		diag := fmt.Sprintf("decode error: %v", err)
		prev := types.StatusPending
		if ok, setErr := c.store.SetStatus(c.ctx, row.ID, types.StatusFailed, &prev, diag); setErr != nil {
			log.Error("set_status failed", "job_id", row.ID, "error", setErr)
		} else if !ok {
			log.Warn("Unable to set job status, probably due to race condition", "job_id", row.ID)
		} else {
			c.record(audit.EventFailed, row.ID, diag)
		}
		return
	}

	archiveIDs, err := c.resolver.Resolve(c.ctx, &cfg)
	if err != nil {
		log.Error("archive resolution failed", "job_id", row.ID, "error", err)
		return
	}

	if len(archiveIDs) == 0 {
		prev := types.StatusPending
		if ok, setErr := c.store.SetStatus(c.ctx, row.ID, types.StatusSucceeded, &prev, ""); setErr != nil {
			log.Error("set_status failed", "job_id", row.ID, "error", setErr)
		} else if !ok {
			log.Warn("Unable to set job status, probably due to race condition", "job_id", row.ID)
		} else {
			c.record(audit.EventSucceeded, row.ID, "")
		}
		return
	}

	var offer *types.ReducerOffer
	if cfg.RequiresReducer() {
		o, err := c.acquireReducer(&cfg, row.ID)
		if err != nil {
			log.Error("reducer acquisition aborted", "job_id", row.ID, "error", err)
			return
		}
		offer = o
	}

	handle, err := c.dispatcher.Dispatch(c.ctx, archiveIDs, row.ID, &cfg, c.cfg.ResultsCacheURI)
	if err != nil {
		log.Error("dispatch failed", "job_id", row.ID, "error", err)
		if offer != nil {
			sendNonBlocking(offer.Send, false)
		}
		return
	}

	job := &types.ActiveJob{TaskHandle: handle, Aggregated: offer != nil}
	if offer != nil {
		job.ReducerSend = offer.Send
		job.ReducerRecv = offer.Recv
	}

	c.mu.Lock()
	c.active[row.ID] = job
	activeCount := len(c.active)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetActiveJobs(activeCount)
	}

	// §4.5 step 4: the CAS may fail if the row was cancelled between
	// fetch_pending and here. We log and leave the ActiveJob in place — the
	// updates loop's own prev=RUNNING guard makes the eventual terminal CAS
	// a no-op against the already-CANCELLED row.
	prev := types.StatusPending
	ok, setErr := c.store.SetStatus(c.ctx, row.ID, types.StatusRunning, &prev, "")
	if setErr != nil {
		log.Error("set_status failed", "job_id", row.ID, "error", setErr)
	} else if !ok {
		log.Warn("Unable to set job status, probably due to race condition", "job_id", row.ID)
	} else {
		c.record(audit.EventDispatched, row.ID, "")
		if c.metrics != nil {
			c.metrics.RecordDispatch(time.Since(start).Seconds())
		}
	}
}

// acquireReducer implements §4.4.2: pull an offer, hand it the enriched
// config, and retry on a dead offer. There is no timeout at this layer — a
// starved queue blocks here until a fresh reducer connects, matching spec.
func (c *Controller) acquireReducer(cfg *types.SearchConfig, jobID types.JobID) (*types.ReducerOffer, error) {
	for {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case offer, ok := <-c.offers:
			if !ok {
				return nil, fmt.Errorf("rendezvous offer channel closed")
			}
			if c.metrics != nil {
				c.metrics.SetRendezvousQueueDepth(len(c.offers))
			}
			enriched := *cfg
			enriched.JobID = &jobID
			enriched.ReducerHost = offer.Host
			enriched.ReducerPort = offer.Port

			offer.Send <- &enriched
			accepted, ok := <-offer.Recv
			if !ok || !accepted {
				if c.metrics != nil {
					c.metrics.RecordReducerHandshakeFailure()
				}
				continue // offer died during handshake; try the next one
			}
			if c.metrics != nil {
				c.metrics.RecordReducerOffer()
			}
			*cfg = enriched
			return &offer, nil
		}
	}
}

// updatesLoop is the §4.5 "updates loop": cancellation pass then completion
// pass, in that order, so a job cancelled mid-flight never resolves to
// SUCCEEDED/FAILED.
func (c *Controller) updatesLoop() {
	defer c.loopWg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.cancellationPass()
		c.completionPass()

		if !c.sleep() {
			return
		}
	}
}

func (c *Controller) cancellationPass() {
	ids, err := c.store.FetchCancelling(c.ctx)
	if err != nil {
		log.Error("fetch_cancelling failed", "error", err)
		return
	}

	for _, id := range ids {
		c.mu.Lock()
		job, ok := c.active[id]
		if ok {
			delete(c.active, id)
		}
		c.mu.Unlock()

		if ok {
			job.TaskHandle.Revoke(true)
			if job.ReducerSend != nil {
				sendNonBlocking(job.ReducerSend, false)
			}
		}

		prev := types.StatusCancelling
		setOk, setErr := c.store.SetStatus(c.ctx, id, types.StatusCancelled, &prev, "")
		if setErr != nil {
			log.Error("set_status failed", "job_id", id, "error", setErr)
			continue
		}
		if !setOk {
			log.Warn("Unable to set job status, probably due to race condition", "job_id", id)
			continue
		}
		c.record(audit.EventCancelled, id, "")
		if c.metrics != nil {
			c.metrics.RecordCancelled()
		}
	}

	if c.metrics != nil {
		c.mu.Lock()
		c.metrics.SetActiveJobs(len(c.active))
		c.mu.Unlock()
	}
}

func (c *Controller) completionPass() {
	c.mu.Lock()
	snapshot := make(map[types.JobID]*types.ActiveJob, len(c.active))
	for id, job := range c.active {
		snapshot[id] = job
	}
	c.mu.Unlock()

	for id, job := range snapshot {
		if !job.TaskHandle.Ready() {
			continue
		}

		results, err := job.TaskHandle.Get()
		newStatus := types.StatusSucceeded
		if err != nil {
			newStatus = types.StatusFailed
			if job.ReducerSend != nil {
				sendNonBlocking(job.ReducerSend, false)
			}
		} else {
			for _, r := range results {
				if !r.Success {
					newStatus = types.StatusFailed
					log.Error("task reported failure", "job_id", id, "task_id", r.TaskID)
					break
				}
			}
			if job.Aggregated {
				job.ReducerSend <- true
				if ok := <-job.ReducerRecv; !ok {
					newStatus = types.StatusFailed
					if c.metrics != nil {
						c.metrics.RecordReducerHandshakeFailure()
					}
				}
			}
		}

		c.mu.Lock()
		delete(c.active, id)
		c.mu.Unlock()

		prev := types.StatusRunning
		setOk, setErr := c.store.SetStatus(c.ctx, id, newStatus, &prev, "")
		if setErr != nil {
			log.Error("set_status failed", "job_id", id, "error", setErr)
			continue
		}
		if !setOk {
			log.Warn("Unable to set job status, probably due to race condition", "job_id", id)
			continue
		}
		if newStatus == types.StatusSucceeded {
			c.record(audit.EventSucceeded, id, "")
		} else {
			c.record(audit.EventFailed, id, "")
		}
		if c.metrics == nil {
			continue
		}
		if newStatus == types.StatusSucceeded {
			c.metrics.RecordSucceeded()
		} else {
			c.metrics.RecordFailed()
		}
	}

	if c.metrics != nil {
		c.mu.Lock()
		c.metrics.SetActiveJobs(len(c.active))
		c.mu.Unlock()
	}
}

func sendNonBlocking(ch chan<- interface{}, v interface{}) {
	select {
	case ch <- v:
	default:
	}
}
