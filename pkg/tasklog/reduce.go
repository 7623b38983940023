// Package tasklog derives task state from a file's append log. The log is the
// only truth: rows are immutable, state transitions arrive as new appends, and
// every read reduces the log in sequence order. Claim expiry is applied at
// read time against the clock, so an expired claim releases its task without
// any new row being written.
package tasklog

import (
	"time"

	"github.com/carrelhq/carrel/pkg/models"
)

// TaskState is the reduced lifecycle state of a task append.
type TaskState string

const (
	StateOpen      TaskState = "open"
	StateClaimed   TaskState = "claimed"
	StateBlocked   TaskState = "blocked"
	StateDone      TaskState = "done"
	StateCancelled TaskState = "cancelled"
)

// Task is the reduced view of one task and the appends that acted on it.
type Task struct {
	Seq      int64      `json:"-"`
	ID       string     `json:"id"`
	Text     string     `json:"text"`
	Author   string     `json:"author"`
	Priority *int       `json:"priority,omitempty"`
	Labels   []string   `json:"labels,omitempty"`
	State    TaskState  `json:"state"`
	Created  time.Time  `json:"createdAt"`

	ClaimSeq       int64      `json:"-"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimExpiresAt *time.Time `json:"claimExpiresAt,omitempty"`

	CompletedBy string     `json:"completedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	BlockSeq  int64  `json:"-"`
	BlockedBy string `json:"blockedBy,omitempty"`
}

// FileTasks is the reduced state of a whole file's log.
type FileTasks struct {
	Tasks  []*Task
	MaxSeq int64

	bySeq map[int64]*Task
	// claimOwner maps a claim append's seq to the task it claimed, so refs
	// that name the claim instead of the task can be resolved.
	claimOwner map[int64]*Task
	// blockOwner maps a block append's seq to the blocked task.
	blockOwner map[int64]*Task
	// seqs records every append seq present in the log, claimable or not,
	// so ref existence checks do not need the raw rows.
	seqs map[int64]bool
	// now is the clock expiry was applied against; zero for raw reductions.
	now time.Time
}

// Reduce folds the append log, which must be ordered by Seq ascending, into
// per-task state. Writes were validated against the state of their moment, so
// reduction applies transitions unconditionally and only applies claim expiry
// at the end, against now.
func Reduce(appends []*models.Append, now time.Time) *FileTasks {
	ft := ReduceRaw(appends)
	ft.expireClaims(now)
	return ft
}

// ReduceRaw folds the log without applying claim expiry. Raw reductions are
// clock-independent, which makes them safe to cache; call Snapshot to get a
// view with expiry applied.
func ReduceRaw(appends []*models.Append) *FileTasks {
	ft := &FileTasks{
		bySeq:      make(map[int64]*Task),
		claimOwner: make(map[int64]*Task),
		blockOwner: make(map[int64]*Task),
		seqs:       make(map[int64]bool, len(appends)),
	}

	for _, a := range appends {
		ft.seqs[a.Seq] = true
		if a.Seq > ft.MaxSeq {
			ft.MaxSeq = a.Seq
		}

		switch a.Type {
		case models.AppendTask:
			labels, _ := a.GetLabels()
			task := &Task{
				Seq:      a.Seq,
				ID:       a.AppendID(),
				Text:     a.Text,
				Author:   a.Author,
				Priority: a.Priority,
				Labels:   labels,
				State:    StateOpen,
				Created:  a.CreatedAt,
			}
			ft.Tasks = append(ft.Tasks, task)
			ft.bySeq[a.Seq] = task

		case models.AppendClaim:
			task := ft.resolveRef(a.Ref)
			if task == nil || task.State == StateDone || task.State == StateCancelled {
				continue
			}
			task.State = StateClaimed
			task.ClaimSeq = a.Seq
			task.ClaimedBy = a.Author
			task.ClaimExpiresAt = a.ExpiresAt
			ft.claimOwner[a.Seq] = task

		case models.AppendRenew:
			task := ft.resolveRef(a.Ref)
			if task == nil || task.State != StateClaimed {
				continue
			}
			task.ClaimExpiresAt = a.ExpiresAt

		case models.AppendResponse:
			task := ft.resolveRef(a.Ref)
			if task == nil || task.State == StateCancelled {
				continue
			}
			if task.State == StateDone {
				// Idempotent completion: the first responder wins the credit.
				continue
			}
			task.State = StateDone
			task.CompletedBy = a.Author
			completedAt := a.CreatedAt
			task.CompletedAt = &completedAt
			task.ClaimExpiresAt = nil

		case models.AppendCancel:
			ft.applyCancel(a)

		case models.AppendBlock:
			task := ft.resolveRef(a.Ref)
			if task == nil || task.State == StateDone || task.State == StateCancelled {
				continue
			}
			task.State = StateBlocked
			task.BlockSeq = a.Seq
			task.BlockedBy = a.Author
			ft.blockOwner[a.Seq] = task
		}
	}

	return ft
}

// Snapshot returns a copy of the reduction with claim expiry applied at now.
// The receiver is left untouched, so a cached raw reduction can serve many
// reads at different instants.
func (ft *FileTasks) Snapshot(now time.Time) *FileTasks {
	out := &FileTasks{
		Tasks:      make([]*Task, len(ft.Tasks)),
		MaxSeq:     ft.MaxSeq,
		bySeq:      make(map[int64]*Task, len(ft.bySeq)),
		claimOwner: make(map[int64]*Task, len(ft.claimOwner)),
		blockOwner: make(map[int64]*Task, len(ft.blockOwner)),
		seqs:       ft.seqs,
	}
	for i, task := range ft.Tasks {
		copied := *task
		out.Tasks[i] = &copied
		out.bySeq[copied.Seq] = &copied
	}
	for seq, task := range ft.claimOwner {
		out.claimOwner[seq] = out.bySeq[task.Seq]
	}
	for seq, task := range ft.blockOwner {
		out.blockOwner[seq] = out.bySeq[task.Seq]
	}
	out.expireClaims(now)
	return out
}

// resolveRef finds the task a ref names, following claim and block appends
// back to their task.
func (ft *FileTasks) resolveRef(ref string) *Task {
	seq, ok := models.ParseAppendID(ref)
	if !ok {
		return nil
	}
	if task, ok := ft.bySeq[seq]; ok {
		return task
	}
	if task, ok := ft.claimOwner[seq]; ok {
		return task
	}
	if task, ok := ft.blockOwner[seq]; ok {
		return task
	}
	return nil
}

// applyCancel releases a claim, clears a block, or cancels a task depending
// on what the ref names.
func (ft *FileTasks) applyCancel(a *models.Append) {
	seq, ok := models.ParseAppendID(a.Ref)
	if !ok {
		return
	}
	if task, ok := ft.claimOwner[seq]; ok {
		if task.State == StateClaimed && task.ClaimSeq == seq {
			task.State = StateOpen
			task.ClaimedBy = ""
			task.ClaimSeq = 0
			task.ClaimExpiresAt = nil
		}
		return
	}
	if task, ok := ft.blockOwner[seq]; ok {
		if task.State == StateBlocked && task.BlockSeq == seq {
			task.State = StateOpen
			task.BlockSeq = 0
			task.BlockedBy = ""
		}
		return
	}
	if task, ok := ft.bySeq[seq]; ok {
		if task.State != StateDone {
			task.State = StateCancelled
			task.ClaimedBy = ""
			task.ClaimSeq = 0
			task.ClaimExpiresAt = nil
		}
	}
}

// expireClaims releases every claim whose deadline has passed.
func (ft *FileTasks) expireClaims(now time.Time) {
	ft.now = now
	for _, task := range ft.Tasks {
		if task.State == StateClaimed && task.ClaimExpiresAt != nil && now.After(*task.ClaimExpiresAt) {
			task.State = StateOpen
			task.ClaimedBy = ""
			task.ClaimSeq = 0
			task.ClaimExpiresAt = nil
		}
	}
}

// Get returns the reduced task whose task append has the given seq.
func (ft *FileTasks) Get(seq int64) *Task {
	return ft.bySeq[seq]
}

// Resolve returns the task a wire ref names, whether the ref points at the
// task itself, one of its claims, or one of its blocks.
func (ft *FileTasks) Resolve(ref string) *Task {
	return ft.resolveRef(ref)
}

// HasSeq reports whether any append with the given seq exists in the log.
func (ft *FileTasks) HasSeq(seq int64) bool {
	return ft.seqs[seq]
}

// ActiveClaims counts tasks currently claimed by the given author.
func (ft *FileTasks) ActiveClaims(author string) int {
	n := 0
	for _, task := range ft.Tasks {
		if task.State == StateClaimed && task.ClaimedBy == author {
			n++
		}
	}
	return n
}

// Counts tallies tasks by state.
func (ft *FileTasks) Counts() map[TaskState]int {
	counts := make(map[TaskState]int, 5)
	for _, task := range ft.Tasks {
		counts[task.State]++
	}
	return counts
}
