package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationType identifies the kind of lifecycle action.
type OperationType string

const (
	OpCreate  OperationType = "create"
	OpStart   OperationType = "start"
	OpStop    OperationType = "stop"
	OpRestart OperationType = "restart"
	OpDestroy OperationType = "destroy"
	OpScale   OperationType = "scale"
	OpBackup  OperationType = "backup"
	OpRestore OperationType = "restore"
)

// OperationStatus tracks an operation through its state machine:
// pending → running → completed | failed | cancelled.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpRunning   OperationStatus = "running"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
	OpCancelled OperationStatus = "cancelled"
)

// Terminal reports whether s is a terminal status. Terminal operations
// are immutable by contract.
func (s OperationStatus) Terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpCancelled
}

// Operation is the auditable record of one lifecycle action. Progress is
// monotonically non-decreasing and reaches exactly 100 only on
// completion; Log is append-only.
type Operation struct {
	ID        string            `json:"id"`
	Type      OperationType     `json:"type"`
	Status    OperationStatus   `json:"status"`
	Progress  int               `json:"progress"`
	Log       []string          `json:"log,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
}

// defaultRetention caps how many terminal operations the tracker keeps.
const defaultRetention = 256

// Tracker creates and mutates Operation records. Purely in-memory
// bookkeeping; records live for the process lifetime, with the oldest
// terminal records pruned beyond the retention cap.
//
// Mutating a terminal operation is a programming error and panics.
type Tracker struct {
	mu        sync.Mutex
	ops       map[string]*Operation
	order     []string // ids in creation order, for retention pruning
	retention int
}

// NewTracker creates a Tracker with the default retention cap.
func NewTracker() *Tracker {
	return &Tracker{
		ops:       make(map[string]*Operation),
		retention: defaultRetention,
	}
}

// Begin allocates a new pending operation with progress 0.
func (t *Tracker) Begin(opType OperationType, metadata map[string]string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &Operation{
		ID:        uuid.NewString(),
		Type:      opType,
		Status:    OpPending,
		Metadata:  metadata,
		StartTime: time.Now(),
	}
	t.ops[op.ID] = op
	t.order = append(t.order, op.ID)
	t.prune()

	return copyOp(op)
}

// Start transitions a pending operation to running.
func (t *Tracker) Start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := t.mustGet(id)
	if op.Status != OpPending {
		panic(fmt.Sprintf("operation %s: start from status %q", id, op.Status))
	}
	op.Status = OpRunning
}

// Advance updates a running operation's progress and optionally appends
// a log line. Progress must be non-decreasing; an empty line appends
// nothing.
func (t *Tracker) Advance(id string, progress int, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := t.mustGet(id)
	if op.Status != OpRunning {
		panic(fmt.Sprintf("operation %s: advance while status %q", id, op.Status))
	}
	if progress < op.Progress {
		panic(fmt.Sprintf("operation %s: progress went backwards (%d → %d)", id, op.Progress, progress))
	}
	if progress > 100 {
		progress = 100
	}
	op.Progress = progress
	if line != "" {
		op.Log = append(op.Log, line)
	}
}

// Append adds a log line without touching progress.
func (t *Tracker) Append(id string, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := t.mustGet(id)
	if op.Status.Terminal() {
		panic(fmt.Sprintf("operation %s: append to terminal status %q", id, op.Status))
	}
	op.Log = append(op.Log, line)
}

// Complete transitions an operation to completed with progress 100 and
// stamps its end time.
func (t *Tracker) Complete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := t.mustGet(id)
	if op.Status.Terminal() {
		panic(fmt.Sprintf("operation %s: complete from terminal status %q", id, op.Status))
	}
	op.Status = OpCompleted
	op.Progress = 100
	now := time.Now()
	op.EndTime = &now
}

// Fail transitions an operation to failed, recording the error.
// Progress stays where it was — failed operations never reach 100.
func (t *Tracker) Fail(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := t.mustGet(id)
	if op.Status.Terminal() {
		panic(fmt.Sprintf("operation %s: fail from terminal status %q", id, op.Status))
	}
	op.Status = OpFailed
	if err != nil {
		op.Error = err.Error()
		op.Log = append(op.Log, "error: "+err.Error())
	}
	now := time.Now()
	op.EndTime = &now
}

// Cancel transitions an operation to cancelled.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := t.mustGet(id)
	if op.Status.Terminal() {
		panic(fmt.Sprintf("operation %s: cancel from terminal status %q", id, op.Status))
	}
	op.Status = OpCancelled
	now := time.Now()
	op.EndTime = &now
}

// Get returns a copy of the operation, or false if unknown. Operations
// remain inspectable after the fact regardless of outcome.
func (t *Tracker) Get(id string) (*Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return nil, false
	}
	return copyOp(op), true
}

// List returns copies of all retained operations sorted by start time.
func (t *Tracker) List() []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, copyOp(op))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// mustGet returns the live record or panics. Caller must hold t.mu.
func (t *Tracker) mustGet(id string) *Operation {
	op, ok := t.ops[id]
	if !ok {
		panic(fmt.Sprintf("unknown operation %s", id))
	}
	return op
}

// prune evicts the oldest terminal operations beyond the retention cap.
// In-flight operations are never evicted. Caller must hold t.mu.
func (t *Tracker) prune() {
	if len(t.order) <= t.retention {
		return
	}
	kept := t.order[:0]
	excess := len(t.order) - t.retention
	for _, id := range t.order {
		if excess > 0 && t.ops[id].Status.Terminal() {
			delete(t.ops, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

func copyOp(op *Operation) *Operation {
	out := *op
	out.Log = append([]string(nil), op.Log...)
	if op.Metadata != nil {
		out.Metadata = make(map[string]string, len(op.Metadata))
		for k, v := range op.Metadata {
			out.Metadata[k] = v
		}
	}
	if op.EndTime != nil {
		end := *op.EndTime
		out.EndTime = &end
	}
	return &out
}
