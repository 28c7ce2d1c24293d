// Package audit is a best-effort, append-only journal of job status
// transitions, kept for operational diagnosis only. It is explicitly not a
// crash-recovery mechanism: SPEC_FULL.md's Non-goals exclude durable
// scheduler state beyond what the job table itself persists, so nothing in
// this codebase ever replays a journal entry back into the controller.
//
// The writer batches events and flushes on a ticker, the same trade-off the
// teacher's WAL batch writer was designed around, but carried through to a
// working implementation rather than left as a stub: a journal nobody
// replays still needs to actually hit disk to be useful for diagnosis.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

// EventType names the job-lifecycle transition being recorded.
type EventType string

const (
	EventDispatched EventType = "DISPATCHED"
	EventSucceeded  EventType = "SUCCEEDED"
	EventFailed     EventType = "FAILED"
	EventCancelled  EventType = "CANCELLED"
)

// Event is one journal line.
type Event struct {
	Seq        uint64      `json:"seq"`
	Type       EventType   `json:"type"`
	JobID      types.JobID `json:"job_id"`
	TimestampMs int64      `json:"timestamp_ms"`
	Diagnostic string      `json:"diagnostic,omitempty"`
}

// Journal is a batched, best-effort append-only writer. A write failure is
// logged by the caller and otherwise swallowed — per SPEC_FULL §7, nothing
// is retried silently more than once, and the journal is not load-bearing
// for correctness.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	seq    uint64
	buffer []Event

	maxBatchSize  int
	flushInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates or appends to the journal file at path and starts the
// background flush loop.
func Open(path string, maxBatchSize int, flushInterval time.Duration) (*Journal, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}

	j := &Journal{
		file:          f,
		writer:        bufio.NewWriter(f),
		maxBatchSize:  maxBatchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	j.wg.Add(1)
	go j.flushLoop()

	return j, nil
}

// Record appends an event to the in-memory buffer, flushing immediately if
// the batch is full.
func (j *Journal) Record(eventType EventType, jobID types.JobID, diagnostic string) error {
	j.mu.Lock()
	j.seq++
	j.buffer = append(j.buffer, Event{
		Seq:         j.seq,
		Type:        eventType,
		JobID:       jobID,
		TimestampMs: time.Now().UnixMilli(),
		Diagnostic:  diagnostic,
	})
	full := len(j.buffer) >= j.maxBatchSize
	j.mu.Unlock()

	if full {
		return j.Flush()
	}
	return nil
}

// Flush writes every buffered event to disk and syncs once.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	enc := json.NewEncoder(j.writer)
	for _, ev := range j.buffer {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
	}
	j.buffer = j.buffer[:0]
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit journal: %w", err)
	}
	return j.file.Sync()
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				// Best-effort: a lost audit entry does not affect
				// correctness, only diagnosability.
				fmt.Fprintf(os.Stderr, "audit: flush failed: %v\n", err)
			}
		}
	}
}

// Close stops the flush loop, writes any remaining buffered events, and
// closes the underlying file.
func (j *Journal) Close() error {
	close(j.stopCh)
	j.wg.Wait()
	if err := j.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}
