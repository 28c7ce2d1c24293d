package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

// fakeStore is an in-memory jobStore for exercising the controller's two
// loops without a database.
type fakeStore struct {
	mu         sync.Mutex
	rows       map[types.JobID]*types.JobRow
	cancelling map[types.JobID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[types.JobID]*types.JobRow), cancelling: make(map[types.JobID]bool)}
}

func (s *fakeStore) insert(id types.JobID, searchConfig []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = &types.JobRow{ID: id, Status: types.StatusPending, SearchConfig: searchConfig}
}

func (s *fakeStore) FetchPending(ctx context.Context) ([]types.JobRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobRow
	for _, r := range s.rows {
		if r.Status == types.StatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) FetchCancelling(ctx context.Context) ([]types.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.JobID
	for id, r := range s.rows {
		if r.Status == types.StatusCancelling {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, id types.JobID, newStatus types.JobStatus, prev *types.JobStatus, extraDiagnostic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	if prev != nil && row.Status != *prev {
		return false, nil
	}
	row.Status = newStatus
	return true, nil
}

func (s *fakeStore) status(id types.JobID) types.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Status
}

func (s *fakeStore) setStatusDirect(id types.JobID, status types.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].Status = status
}

type fakeResolver struct {
	ids []string
	err error
}

func (r *fakeResolver) Resolve(ctx context.Context, cfg *types.SearchConfig) ([]string, error) {
	return r.ids, r.err
}

type fakeHandle struct {
	mu       sync.Mutex
	ready    bool
	results  []types.TaskResult
	err      error
	revoked  bool
	revokeCh chan struct{}
}

func (h *fakeHandle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *fakeHandle) Get() ([]types.TaskResult, error) {
	return h.results, h.err
}

func (h *fakeHandle) Revoke(terminate bool) {
	h.mu.Lock()
	h.revoked = true
	h.mu.Unlock()
	if h.revokeCh != nil {
		close(h.revokeCh)
	}
}

type fakeDispatcher struct {
	handle *fakeHandle
	err    error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, archiveIDs []string, jobID types.JobID, cfg *types.SearchConfig, resultsCacheURI string) (types.TaskHandle, error) {
	return d.handle, d.err
}

func encodeConfig(t *testing.T, cfg *types.SearchConfig) []byte {
	t.Helper()
	blob, err := msgpack.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	return blob
}

func TestPendingLoopEmptyArchivesSucceeds(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))

	h := &fakeHandle{ready: true, results: []types.TaskResult{}}
	c := New(st, &fakeResolver{ids: nil}, &fakeDispatcher{handle: h}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})

	c.handlePendingRow(*st.rows[1])

	if st.status(1) != types.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %v", st.status(1))
	}
}

func TestPendingLoopDispatchesAndMarksRunning(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))

	h := &fakeHandle{}
	c := New(st, &fakeResolver{ids: []string{"A", "B"}}, &fakeDispatcher{handle: h}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})

	c.handlePendingRow(*st.rows[1])

	if st.status(1) != types.StatusRunning {
		t.Fatalf("expected RUNNING, got %v", st.status(1))
	}
	c.mu.Lock()
	_, active := c.active[1]
	c.mu.Unlock()
	if !active {
		t.Fatal("expected job 1 to be active")
	}
}

func TestPendingLoopMalformedConfigFails(t *testing.T) {
	st := newFakeStore()
	st.insert(1, []byte("not msgpack"))

	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.handlePendingRow(*st.rows[1])

	if st.status(1) != types.StatusFailed {
		t.Fatalf("expected FAILED for malformed config, got %v", st.status(1))
	}
}

func TestCompletionPassAllSucceed(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))
	st.setStatusDirect(1, types.StatusRunning)

	h := &fakeHandle{ready: true, results: []types.TaskResult{{TaskID: "A", Success: true}}}
	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.active[1] = &types.ActiveJob{TaskHandle: h}

	c.completionPass()

	if st.status(1) != types.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %v", st.status(1))
	}
	if _, ok := c.active[1]; ok {
		t.Fatal("expected job removed from active map")
	}
}

func TestCompletionPassPartialFailureFails(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))
	st.setStatusDirect(1, types.StatusRunning)

	h := &fakeHandle{ready: true, results: []types.TaskResult{{TaskID: "A", Success: false}}}
	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.active[1] = &types.ActiveJob{TaskHandle: h}

	c.completionPass()

	if st.status(1) != types.StatusFailed {
		t.Fatalf("expected FAILED, got %v", st.status(1))
	}
}

func TestCompletionPassGetErrorFails(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))
	st.setStatusDirect(1, types.StatusRunning)

	h := &fakeHandle{ready: true, err: errors.New("task group failed")}
	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.active[1] = &types.ActiveJob{TaskHandle: h}

	c.completionPass()

	if st.status(1) != types.StatusFailed {
		t.Fatalf("expected FAILED, got %v", st.status(1))
	}
}

func TestAggregatedJobDowngradedOnFalseFinalAck(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))
	st.setStatusDirect(1, types.StatusRunning)

	h := &fakeHandle{ready: true, results: []types.TaskResult{{TaskID: "A", Success: true}}}
	send := make(chan interface{}, 1)
	recv := make(chan bool, 1)
	recv <- false // final ack: reducer failed

	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.active[1] = &types.ActiveJob{TaskHandle: h, ReducerSend: send, ReducerRecv: recv, Aggregated: true}

	c.completionPass()

	if st.status(1) != types.StatusFailed {
		t.Fatalf("expected FAILED after false final ack, got %v", st.status(1))
	}
	select {
	case v := <-send:
		if v != true {
			t.Fatalf("expected controller to signal true (done), got %v", v)
		}
	default:
		t.Fatal("expected controller to signal the reducer")
	}
}

func TestCancellationPassRevokesAndRemoves(t *testing.T) {
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))
	st.setStatusDirect(1, types.StatusCancelling)

	h := &fakeHandle{revokeCh: make(chan struct{})}
	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.active[1] = &types.ActiveJob{TaskHandle: h}

	c.cancellationPass()

	select {
	case <-h.revokeCh:
	case <-time.After(time.Second):
		t.Fatal("expected Revoke to be called")
	}
	if st.status(1) != types.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %v", st.status(1))
	}
	if _, ok := c.active[1]; ok {
		t.Fatal("expected job removed from active map")
	}
}

func TestCancellationBeatsCompletion(t *testing.T) {
	// A job that is both CANCELLING in the DB and Ready() in-memory must
	// resolve to CANCELLED, never SUCCEEDED/FAILED (spec tie-break).
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{}))
	st.setStatusDirect(1, types.StatusCancelling)

	h := &fakeHandle{ready: true, results: []types.TaskResult{{TaskID: "A", Success: true}}, revokeCh: make(chan struct{})}
	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})
	c.active[1] = &types.ActiveJob{TaskHandle: h}

	c.cancellationPass()
	c.completionPass()

	if st.status(1) != types.StatusCancelled {
		t.Fatalf("expected CANCELLED to win the tie-break, got %v", st.status(1))
	}
}

func TestStartStop(t *testing.T) {
	st := newFakeStore()
	c := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, nil, nil, Config{JobsPollDelay: 5 * time.Millisecond})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	c.Stop()
}

func TestAggregatedJobAcquiresReducerAndEnrichesConfig(t *testing.T) {
	count := int64(50)
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{Count: &count}))

	offerSend := make(chan interface{}, 1)
	offerRecv := make(chan bool, 1)
	offerRecv <- true // reducer accepts immediately

	offers := make(chan types.ReducerOffer, 1)
	offers <- types.ReducerOffer{Host: "reducer-1", Port: 9000, Send: offerSend, Recv: offerRecv}

	h := &fakeHandle{}
	c := New(st, &fakeResolver{ids: []string{"A"}}, &fakeDispatcher{handle: h}, offers, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})

	c.handlePendingRow(*st.rows[1])

	if st.status(1) != types.StatusRunning {
		t.Fatalf("expected RUNNING, got %v", st.status(1))
	}

	var assigned *types.SearchConfig
	select {
	case v := <-offerSend:
		assigned = v.(*types.SearchConfig)
	default:
		t.Fatal("expected the controller to send the enriched config to the offer")
	}
	if assigned.ReducerHost != "reducer-1" || assigned.ReducerPort != 9000 {
		t.Fatalf("config not enriched with reducer address: %+v", assigned)
	}
	if assigned.JobID == nil || *assigned.JobID != 1 {
		t.Fatalf("config not enriched with job id: %+v", assigned)
	}

	c.mu.Lock()
	job := c.active[1]
	c.mu.Unlock()
	if !job.Aggregated || job.ReducerSend == nil || job.ReducerRecv == nil {
		t.Fatalf("expected ActiveJob to carry the reducer handles: %+v", job)
	}
}

func TestAggregatedJobRetriesDeadOffer(t *testing.T) {
	count := int64(1)
	st := newFakeStore()
	st.insert(1, encodeConfig(t, &types.SearchConfig{Count: &count}))

	deadSend := make(chan interface{}, 1)
	deadRecv := make(chan bool, 1)
	deadRecv <- false // dead offer

	goodSend := make(chan interface{}, 1)
	goodRecv := make(chan bool, 1)
	goodRecv <- true

	offers := make(chan types.ReducerOffer, 2)
	offers <- types.ReducerOffer{Host: "dead", Port: 1, Send: deadSend, Recv: deadRecv}
	offers <- types.ReducerOffer{Host: "alive", Port: 2, Send: goodSend, Recv: goodRecv}

	h := &fakeHandle{}
	c := New(st, &fakeResolver{ids: []string{"A"}}, &fakeDispatcher{handle: h}, offers, nil, nil, Config{JobsPollDelay: 10 * time.Millisecond})

	c.handlePendingRow(*st.rows[1])

	if st.status(1) != types.StatusRunning {
		t.Fatalf("expected RUNNING after retrying past the dead offer, got %v", st.status(1))
	}

	c.mu.Lock()
	job := c.active[1]
	c.mu.Unlock()
	if job.ReducerSend == nil {
		t.Fatal("expected the live offer to have been acquired")
	}
}
