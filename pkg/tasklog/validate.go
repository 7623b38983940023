package tasklog

import (
	"time"

	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/models"
)

// Proposed is an append about to be written, seen by the validator before it
// gets a sequence number.
type Proposed struct {
	Type   string
	Author string
	Ref    string

	// WritePlane is true when the request arrived through a write-permission
	// key. A write key may cancel claims it does not own.
	WritePlane bool
}

// Rules carries the effective constraint set for the file being appended to:
// file settings merged over workspace settings, plus the key's own limits.
type Rules struct {
	AllowedTypes           []string
	KeyAllowedTypes        []string
	BoundAuthor            string
	RequireClaimToComplete bool
}

// ValidateAppend checks one proposed append against the reduced state of its
// file. ft must already have claim expiry applied. It runs inside the append
// transaction, after the file row is locked, so a passing claim cannot race
// another writer.
func ValidateAppend(ft *FileTasks, p Proposed, rules Rules) error {
	if !models.ValidAppendType(p.Type) {
		return apierr.Newf(apierr.CodeTypeNotAllowed, "unknown append type %q", p.Type).
			WithDetail("allowed", models.AppendTypes)
	}
	if err := checkTypeAllowed(p.Type, rules.AllowedTypes); err != nil {
		return err
	}
	if err := checkTypeAllowed(p.Type, rules.KeyAllowedTypes); err != nil {
		return err
	}
	if rules.BoundAuthor != "" && p.Author != rules.BoundAuthor {
		return apierr.Newf(apierr.CodeAuthorMismatch,
			"key is bound to author %q", rules.BoundAuthor)
	}

	switch p.Type {
	case models.AppendClaim:
		return validateClaim(ft, p)
	case models.AppendResponse:
		return validateResponse(ft, p, rules)
	case models.AppendCancel:
		return validateCancel(ft, p)
	case models.AppendRenew:
		return validateRenew(ft, p)
	case models.AppendBlock:
		return validateBlock(ft, p)
	default:
		// Plain entries may carry a ref, but it has to point at something.
		if p.Ref != "" {
			if _, err := requireSeq(ft, p.Ref); err != nil {
				return err
			}
		}
		return nil
	}
}

func checkTypeAllowed(t string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == t {
			return nil
		}
	}
	return apierr.Newf(apierr.CodeTypeNotAllowed, "append type %q is not allowed here", t).
		WithDetail("allowed", allowed)
}

func requireSeq(ft *FileTasks, ref string) (int64, error) {
	seq, ok := models.ParseAppendID(ref)
	if !ok {
		return 0, apierr.Newf(apierr.CodeInvalidRef, "malformed ref %q", ref)
	}
	if !ft.HasSeq(seq) {
		return 0, apierr.Newf(apierr.CodeInvalidRef, "ref %q does not exist", ref)
	}
	return seq, nil
}

func validateClaim(ft *FileTasks, p Proposed) error {
	if p.Ref == "" {
		return apierr.New(apierr.CodeInvalidRef, "claim requires a ref to a task")
	}
	if _, err := requireSeq(ft, p.Ref); err != nil {
		return err
	}
	task := ft.resolveRef(p.Ref)
	if task == nil {
		return apierr.Newf(apierr.CodeTaskNotFound, "ref %q does not name a task", p.Ref)
	}

	switch task.State {
	case StateOpen:
		return nil
	case StateClaimed:
		if task.ClaimedBy == p.Author {
			// Claiming your own claim is a renew spelled wrong; allow it so
			// retried claims stay idempotent.
			return nil
		}
		return alreadyClaimed(ft, task)
	case StateBlocked:
		return apierr.Newf(apierr.CodeInvalidRef, "task %s is blocked", task.ID).
			WithDetail("blockedBy", task.BlockedBy)
	case StateDone:
		return apierr.Newf(apierr.CodeTaskAlreadyComplete, "task %s is already completed", task.ID)
	case StateCancelled:
		return apierr.Newf(apierr.CodeInvalidRef, "task %s is cancelled", task.ID)
	}
	return nil
}

// alreadyClaimed builds the contention error. retryAfterMs tells the loser
// how long until the claim lapses on its own.
func alreadyClaimed(ft *FileTasks, task *Task) *apierr.Error {
	err := apierr.New(apierr.CodeAlreadyClaimed, "task is claimed by someone else").
		WithDetail("claimedBy", task.ClaimedBy).
		WithDetail("retryAfterMs", int64(0))
	if task.ClaimExpiresAt != nil {
		err = err.WithDetail("expiresAt", task.ClaimExpiresAt.UTC().Format(time.RFC3339))
		if !ft.now.IsZero() {
			if ms := task.ClaimExpiresAt.Sub(ft.now).Milliseconds(); ms > 0 {
				err = err.WithDetail("retryAfterMs", ms)
			}
		}
	}
	return err
}

func validateResponse(ft *FileTasks, p Proposed, rules Rules) error {
	if p.Ref == "" {
		return apierr.New(apierr.CodeInvalidRef, "response requires a ref to a task")
	}
	if _, err := requireSeq(ft, p.Ref); err != nil {
		return err
	}
	task := ft.resolveRef(p.Ref)
	if task == nil {
		return apierr.Newf(apierr.CodeTaskNotFound, "ref %q does not name a task", p.Ref)
	}

	switch task.State {
	case StateCancelled:
		return apierr.Newf(apierr.CodeInvalidRef, "task %s is cancelled", task.ID)
	case StateDone:
		// Completing a completed task is fine. The append is recorded, state
		// does not change, and the caller never sees an error for it.
		return nil
	case StateClaimed:
		if task.ClaimedBy == p.Author || !rules.RequireClaimToComplete {
			return nil
		}
		return alreadyClaimed(ft, task)
	default:
		return nil
	}
}

func validateCancel(ft *FileTasks, p Proposed) error {
	if p.Ref == "" {
		return apierr.New(apierr.CodeInvalidRef, "cancel requires a ref")
	}
	seq, err := requireSeq(ft, p.Ref)
	if err != nil {
		return err
	}

	if task, ok := ft.claimOwner[seq]; ok {
		// Cancelling a claim. Stale cancels of released claims pass through;
		// live claims belong to their author unless a write key intervenes.
		if task.State == StateClaimed && task.ClaimSeq == seq {
			if task.ClaimedBy != p.Author && !p.WritePlane {
				return apierr.New(apierr.CodeAuthorMismatch, "only the claim author may cancel this claim").
					WithDetail("claimedBy", task.ClaimedBy)
			}
		}
		return nil
	}
	if _, ok := ft.blockOwner[seq]; ok {
		return nil
	}
	if task := ft.Get(seq); task != nil {
		if task.State == StateDone {
			return apierr.Newf(apierr.CodeTaskAlreadyComplete, "task %s is already completed", task.ID)
		}
		if task.Author != p.Author && !p.WritePlane {
			return apierr.New(apierr.CodeAuthorMismatch, "only the task author may cancel this task")
		}
		return nil
	}
	return apierr.Newf(apierr.CodeInvalidRef, "ref %q is not cancellable", p.Ref)
}

func validateRenew(ft *FileTasks, p Proposed) error {
	if p.Ref == "" {
		return apierr.New(apierr.CodeInvalidRef, "renew requires a ref to a claim")
	}
	if _, err := requireSeq(ft, p.Ref); err != nil {
		return err
	}
	task := ft.resolveRef(p.Ref)
	if task == nil || task.State != StateClaimed {
		return apierr.New(apierr.CodeInvalidRef, "no active claim to renew")
	}
	if task.ClaimedBy != p.Author {
		return apierr.New(apierr.CodeAuthorMismatch, "only the claim author may renew").
			WithDetail("claimedBy", task.ClaimedBy)
	}
	return nil
}

func validateBlock(ft *FileTasks, p Proposed) error {
	if p.Ref == "" {
		return apierr.New(apierr.CodeInvalidRef, "block requires a ref to a task")
	}
	if _, err := requireSeq(ft, p.Ref); err != nil {
		return err
	}
	task := ft.Get(mustSeq(p.Ref))
	if task == nil {
		return apierr.Newf(apierr.CodeTaskNotFound, "ref %q does not name a task", p.Ref)
	}
	if task.State == StateDone || task.State == StateCancelled {
		return apierr.Newf(apierr.CodeInvalidRef, "task %s is closed", task.ID)
	}
	return nil
}

func mustSeq(ref string) int64 {
	seq, _ := models.ParseAppendID(ref)
	return seq
}
