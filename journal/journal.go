// Package journal records step-state transitions to a bbolt file as they
// happen. The sqlite history (database package) is written once per run;
// the journal is written once per transition, so a run killed mid-step
// still leaves an exact record of how far it got. `stackresize status`
// reads it back.
//
// Layout: one bucket per run ID, holding the plan under "plan", the final
// result under "result", and one timestamped event per transition under
// zero-padded sequence keys.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	stackresize "github.com/superfly/stackresize"
)

const runsBucket = "runs"

var (
	planKey   = []byte("plan")
	resultKey = []byte("result")
)

// Event is one recorded step-state transition.
type Event struct {
	StepIndex int                   `json:"step_index"`
	State     stackresize.StepState `json:"state"`
	Detail    string                `json:"detail,omitempty"`
	At        time.Time             `json:"at"`
}

// Journal is a bbolt-backed execution journal.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal file.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginRun creates the run's bucket and stores its plan.
func (j *Journal) BeginRun(runID, device string, p *stackresize.ResizePlan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(runsBucket))
		if err != nil {
			return err
		}
		b, err := root.CreateBucket([]byte(runID))
		if err != nil {
			return fmt.Errorf("run %s already journaled: %w", runID, err)
		}
		return b.Put(planKey, data)
	})
}

// RecordStep appends one transition event. Each event is committed before
// the executor moves on, so the journal is never ahead of or behind
// reality by more than the step in flight.
func (j *Journal) RecordStep(runID string, stepIndex int, state stackresize.StepState, detail string) error {
	ev := Event{StepIndex: stepIndex, State: state, Detail: detail, At: time.Now()}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := runBucket(tx, runID)
		if b == nil {
			return fmt.Errorf("run %s not journaled", runID)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// FinishRun stores the run's final result.
func (j *Journal) FinishRun(runID string, result *stackresize.ExecutionResult) error {
	data, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := runBucket(tx, runID)
		if b == nil {
			return fmt.Errorf("run %s not journaled", runID)
		}
		return b.Put(resultKey, data)
	})
}

// ReadRun returns a run's plan, its events in order, and its result.
// result is nil for runs that never finished; the events then show
// exactly where execution stopped.
func (j *Journal) ReadRun(runID string) (p *stackresize.ResizePlan, events []Event, result *stackresize.ExecutionResult, err error) {
	err = j.db.View(func(tx *bolt.Tx) error {
		b := runBucket(tx, runID)
		if b == nil {
			return fmt.Errorf("run %s not journaled", runID)
		}
		if data := b.Get(planKey); data != nil {
			p = &stackresize.ResizePlan{}
			if err := json.Unmarshal(data, p); err != nil {
				return fmt.Errorf("decode plan: %w", err)
			}
		}
		if data := b.Get(resultKey); data != nil {
			result = &stackresize.ExecutionResult{}
			if err := result.Unmarshal(data); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return nil // plan/result keys
			}
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event %x: %w", k, err)
			}
			events = append(events, ev)
			return nil
		})
	})
	return p, events, result, err
}

// ListRuns returns all journaled run IDs. ULIDs sort lexicographically by
// creation time, so the bucket order is chronological.
func (j *Journal) ListRuns() ([]string, error) {
	var ids []string
	err := j.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(runsBucket))
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func runBucket(tx *bolt.Tx, runID string) *bolt.Bucket {
	root := tx.Bucket([]byte(runsBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(runID))
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
