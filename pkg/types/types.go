// Package types defines the core domain models shared across the scheduler:
// the job row as persisted in the database, the decoded search configuration,
// and the in-memory bookkeeping the controller keeps for jobs it has dispatched.
package types

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// JobStatus is the stable status a job row can hold. The integer values are
// part of the wire contract with the database and any external reader of the
// job table, so they must never be renumbered.
type JobStatus int

const (
	StatusPending    JobStatus = 0
	StatusRunning    JobStatus = 1
	StatusSucceeded  JobStatus = 2
	StatusFailed     JobStatus = 3
	StatusCancelling JobStatus = 4
	StatusCancelled  JobStatus = 5
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelling:
		return "CANCELLING"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// JobID identifies a row in the job table.
type JobID int64

// JobRow is a row of the job table as read by the Job Store Gateway.
type JobRow struct {
	ID             JobID
	Status         JobStatus
	SubmissionTime time.Time
	SearchConfig   []byte // msgpack-encoded, length <= 60000
}

// SearchConfig is the decoded contents of a job's search_config blob.
// Count is a pointer so "absent" and "zero" are distinguishable: a present
// zero still requires a reducer.
type SearchConfig struct {
	BeginTimestamp *int64
	EndTimestamp   *int64
	Count          *int64
	JobID          *JobID
	ReducerHost    string
	ReducerPort    int

	// Extra carries every key the pack didn't define a field for, forwarded
	// opaquely to the worker exactly as received. This is what makes
	// SearchConfig a tagged record rather than a closed schema (SPEC_FULL.md
	// §9).
	Extra map[string]interface{}
}

// knownKeys are the field names EncodeMsgpack/DecodeMsgpack special-case;
// everything else round-trips through Extra.
var knownKeys = map[string]bool{
	"begin_timestamp": true, "end_timestamp": true, "count": true,
	"job_id": true, "reducer_host": true, "reducer_port": true,
}

// EncodeMsgpack flattens the known fields and Extra into a single top-level
// map, so a worker that only understands a subset of keys still sees a
// normal map rather than a nested "extra" object.
func (c *SearchConfig) EncodeMsgpack(enc *msgpack.Encoder) error {
	m := make(map[string]interface{}, len(c.Extra)+6)
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.BeginTimestamp != nil {
		m["begin_timestamp"] = *c.BeginTimestamp
	}
	if c.EndTimestamp != nil {
		m["end_timestamp"] = *c.EndTimestamp
	}
	if c.Count != nil {
		m["count"] = *c.Count
	}
	if c.JobID != nil {
		m["job_id"] = int64(*c.JobID)
	}
	if c.ReducerHost != "" {
		m["reducer_host"] = c.ReducerHost
	}
	if c.ReducerPort != 0 {
		m["reducer_port"] = c.ReducerPort
	}
	return enc.Encode(m)
}

// DecodeMsgpack is the inverse of EncodeMsgpack: known keys populate typed
// fields, everything else is preserved in Extra unchanged.
func (c *SearchConfig) DecodeMsgpack(dec *msgpack.Decoder) error {
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return err
	}

	c.Extra = make(map[string]interface{})
	for k, v := range m {
		if !knownKeys[k] {
			c.Extra[k] = v
			continue
		}
		switch k {
		case "begin_timestamp":
			n := toInt64(v)
			c.BeginTimestamp = &n
		case "end_timestamp":
			n := toInt64(v)
			c.EndTimestamp = &n
		case "count":
			n := toInt64(v)
			c.Count = &n
		case "job_id":
			id := JobID(toInt64(v))
			c.JobID = &id
		case "reducer_host":
			if s, ok := v.(string); ok {
				c.ReducerHost = s
			}
		case "reducer_port":
			c.ReducerPort = int(toInt64(v))
		}
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case uint:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// RequiresReducer reports whether this job's results must be aggregated by
// an external reducer process.
func (c *SearchConfig) RequiresReducer() bool {
	return c != nil && c.Count != nil
}

// TaskResult is the outcome of a single per-archive search task.
type TaskResult struct {
	TaskID  string
	Success bool
}

// TaskHandle is a join handle over a group of per-archive tasks, as exposed
// by the Task Dispatcher. It is the only contract the controller has with
// the (out of scope) worker task executor.
type TaskHandle interface {
	// Ready reports whether every task in the group has produced a result.
	Ready() bool
	// Get blocks until the group is ready and returns every task's result,
	// or an error if the group failed. A task that runs and reports
	// Success=false is returned among the results, not as an error.
	Get() ([]TaskResult, error)
	// Revoke best-effort cancels any task still running. terminate mirrors
	// the source's revoke(terminate=true) — there is no soft-cancel mode.
	Revoke(terminate bool)
}

// ActiveJob is the controller's bookkeeping for a job it has moved to
// RUNNING. The send and receive handles are kept as two separately named
// fields — there is no ambiguous singular "reducer handle" field, so callers
// can never reach for the wrong one.
type ActiveJob struct {
	TaskHandle  TaskHandle
	ReducerSend chan<- interface{} // SearchConfig to start; true/false afterward
	ReducerRecv <-chan bool
	Aggregated  bool
}

// ReducerOffer is a single element of the rendezvous queue: a reducer TCP
// session parked in AWAIT_ASSIGN, waiting to be handed a job.
type ReducerOffer struct {
	Host string
	Port int
	Send chan<- interface{}
	Recv <-chan bool
}
