package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carrelhq/carrel/pkg/apierr"
	"github.com/carrelhq/carrel/pkg/models"
	"github.com/carrelhq/carrel/pkg/tasklog"
)

// ProposedAppend is one entry of an append request after handler-level
// normalization: the type defaulted, the author resolved, sizes checked.
type ProposedAppend struct {
	Type     string
	Author   string
	Text     string
	Ref      string
	Priority *int
	Labels   []string

	// ClaimDurationSeconds overrides the settings-derived claim duration for
	// claim and renew entries. Handlers enforce the minimum before it gets
	// here.
	ClaimDurationSeconds *int
}

// AppendBatchParams carries a whole append request. A single append is a
// batch of one.
type AppendBatchParams struct {
	WorkspaceID string
	Path        string

	// Key carries the constraints of the capability that authorized the
	// request: bound author, allowed types, WIP limit, scope. Nil means no
	// key-level constraints (internal callers).
	Key *models.CapabilityKey

	// WritePlane marks requests that arrived with write permission, which may
	// cancel claims they do not own.
	WritePlane bool

	// CreateIfMissing creates an empty file to append to instead of failing
	// with not-found.
	CreateIfMissing bool

	Appends []ProposedAppend
	Now     time.Time
}

// AppendBatchResult reports the batch as written plus the task state it
// produced.
type AppendBatchResult struct {
	File        *models.File
	Appends     []*models.Append
	Tasks       *tasklog.FileTasks
	FileCreated bool
}

// AppendBatch writes a batch of appends in one transaction, all or nothing.
// The transaction (1) locks the file row, (2) establishes the next sequence
// number from the counter cross-checked against MAX(seq), (3) validates each
// entry against the reduced task state as the batch builds up, so later
// entries may reference earlier ones, (4) inserts the rows with consecutive
// seqs and (5) bumps the file's append counter. Claim races serialize on the
// row lock: the loser revalidates against the winner's claim and gets
// ALREADY_CLAIMED.
func (s *Store) AppendBatch(ctx context.Context, p AppendBatchParams) (*AppendBatchResult, error) {
	if len(p.Appends) == 0 {
		return nil, apierr.InvalidRequest("append batch is empty")
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result := &AppendBatchResult{}
	var raw *tasklog.FileTasks

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		file, err := fileByPathLocked(tx, ctx, p.WorkspaceID, p.Path)
		if errors.Is(err, models.ErrFileNotFound) && p.CreateIfMissing {
			file = &models.File{
				ID:          newID(),
				WorkspaceID: p.WorkspaceID,
				Path:        p.Path,
				Content:     "",
				ETag:        ComputeETag(nil),
				ContentType: "text/markdown",
			}
			if err := tx.Create(file).Error; err != nil {
				if isUniqueConstraintError(err) {
					return models.ErrDuplicatePath
				}
				return fmt.Errorf("failed to create file for append: %w", err)
			}
			result.FileCreated = true
		} else if err != nil {
			return err
		}
		if file.Deleted() {
			return apierr.FileDeleted(file.Path, deleteExpiry(file))
		}
		result.File = file

		rules, settings, err := effectiveRules(tx, ctx, file, p.Key)
		if err != nil {
			return err
		}

		existing, err := listAppendsLocked(tx, ctx, file.ID)
		if err != nil {
			return err
		}
		base := file.AppendSeq
		for _, a := range existing {
			if a.Seq > base {
				// The counter should never lag the log; trust the log if it does.
				base = a.Seq
			}
		}

		raw = tasklog.ReduceRaw(existing)
		all := existing

		rows := make([]*models.Append, 0, len(p.Appends))
		for i, entry := range p.Appends {
			snapshot := raw.Snapshot(now)

			proposed := tasklog.Proposed{
				Type:       entry.Type,
				Author:     entry.Author,
				Ref:        entry.Ref,
				WritePlane: p.WritePlane,
			}
			if err := tasklog.ValidateAppend(snapshot, proposed, rules); err != nil {
				return err
			}

			row := &models.Append{
				ID:        newID(),
				FileID:    file.ID,
				Seq:       base + int64(i) + 1,
				Type:      entry.Type,
				Author:    entry.Author,
				Text:      entry.Text,
				Ref:       entry.Ref,
				Priority:  entry.Priority,
				CreatedAt: now,
			}
			if err := row.SetLabels(entry.Labels); err != nil {
				return fmt.Errorf("failed to encode labels: %w", err)
			}

			switch entry.Type {
			case models.AppendClaim, models.AppendRenew:
				duration := settings.EffectiveClaimDuration()
				if entry.ClaimDurationSeconds != nil {
					duration = time.Duration(*entry.ClaimDurationSeconds) * time.Second
				}
				expires := now.Add(duration)
				row.ExpiresAt = &expires

				if entry.Type == models.AppendClaim {
					if err := s.checkWIPLimit(tx, ctx, wipCheck{
						workspaceID: p.WorkspaceID,
						key:         p.Key,
						settings:    settings,
						file:        file,
						snapshot:    snapshot,
						author:      entry.Author,
						ref:         entry.Ref,
						now:         now,
					}); err != nil {
						return err
					}
				}
			}

			rows = append(rows, row)
			all = append(all, row)
			raw = tasklog.ReduceRaw(all)
		}

		if err := tx.Create(rows).Error; err != nil {
			return fmt.Errorf("failed to insert appends: %w", err)
		}

		newSeq := base + int64(len(rows))
		if err := tx.Model(file).Update("append_seq", newSeq).Error; err != nil {
			return fmt.Errorf("failed to bump append counter: %w", err)
		}
		file.AppendSeq = newSeq

		result.Appends = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.tasks.Put(result.File.ID, result.File.AppendSeq, raw)
	result.Tasks = raw.Snapshot(now)
	return result, nil
}

// effectiveRules merges workspace and file settings with the key's own
// constraints into the rule set the validator applies.
func effectiveRules(tx *gorm.DB, ctx context.Context, file *models.File, key *models.CapabilityKey) (tasklog.Rules, *models.DocumentSettings, error) {
	ws, err := getByField[models.Workspace](tx, ctx, "id", file.WorkspaceID, models.ErrWorkspaceNotFound)
	if err != nil {
		return tasklog.Rules{}, nil, err
	}
	wsSettings, err := ws.GetSettings()
	if err != nil {
		return tasklog.Rules{}, nil, fmt.Errorf("failed to decode workspace settings: %w", err)
	}
	fileSettings, err := file.GetSettings()
	if err != nil {
		return tasklog.Rules{}, nil, fmt.Errorf("failed to decode file settings: %w", err)
	}
	effective := wsSettings.Merge(fileSettings)

	rules := tasklog.Rules{
		AllowedTypes:           effective.AllowedAppendTypes,
		RequireClaimToComplete: effective.ClaimRequired(),
	}
	if key != nil {
		allowed, err := key.AllowedTypes()
		if err != nil {
			return tasklog.Rules{}, nil, fmt.Errorf("failed to decode key allowed types: %w", err)
		}
		rules.KeyAllowedTypes = allowed
		rules.BoundAuthor = key.BoundAuthor
	}
	return rules, effective, nil
}

// wipCheck carries everything the work-in-progress limit needs.
type wipCheck struct {
	workspaceID string
	key         *models.CapabilityKey
	settings    *models.DocumentSettings
	file        *models.File
	snapshot    *tasklog.FileTasks
	author      string
	ref         string
	now         time.Time
}

// checkWIPLimit enforces the active-claim ceiling for an author across the
// key's scope. Re-claiming a task the author already holds never trips the
// limit; it adds no work in progress.
func (s *Store) checkWIPLimit(tx *gorm.DB, ctx context.Context, c wipCheck) error {
	var limit *int
	if c.key != nil && c.key.WIPLimit != nil {
		limit = c.key.WIPLimit
	} else if c.settings.WIPLimit != nil {
		limit = c.settings.WIPLimit
	}
	if limit == nil {
		return nil
	}

	if task := c.snapshot.Resolve(c.ref); task != nil &&
		task.State == tasklog.StateClaimed && task.ClaimedBy == c.author {
		return nil
	}

	current := c.snapshot.ActiveClaims(c.author)

	scopeType, scopePath := models.ScopeWorkspace, ""
	if c.key != nil {
		scopeType, scopePath = c.key.ScopeType, c.key.ScopePath
	}
	if scopeType != models.ScopeFile {
		elsewhere, err := s.activeClaimsElsewhere(tx, ctx, c.workspaceID, scopePath, c.author, c.file.ID, c.now)
		if err != nil {
			return err
		}
		current += elsewhere
	}

	if current >= *limit {
		return apierr.New(apierr.CodeWIPLimitExceeded, "work-in-progress limit reached").
			WithDetail("limit", *limit).
			WithDetail("currentCount", current)
	}
	return nil
}

// activeClaimsElsewhere counts an author's live claims on other files in
// scope. Candidate files are found by their unexpired claim rows, then each
// candidate's log is reduced to weed out claims that were cancelled or
// completed afterwards.
func (s *Store) activeClaimsElsewhere(tx *gorm.DB, ctx context.Context, workspaceID, scopePath, author, excludeFileID string, now time.Time) (int, error) {
	var fileIDs []string
	q := tx.WithContext(ctx).
		Model(&models.Append{}).
		Joins("JOIN files ON files.id = appends.file_id").
		Where("files.workspace_id = ? AND files.deleted_at IS NULL", workspaceID).
		Where("appends.type = ? AND appends.author = ?", models.AppendClaim, author).
		Where("appends.expires_at > ?", now).
		Where("appends.file_id != ?", excludeFileID)
	q = prefixRange(q, "files.path", scopePath)
	if err := q.Distinct("appends.file_id").Pluck("appends.file_id", &fileIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to find claim candidates: %w", err)
	}

	total := 0
	for _, id := range fileIDs {
		rows, err := listAppendsLocked(tx, ctx, id)
		if err != nil {
			return 0, err
		}
		total += tasklog.ReduceRaw(rows).Snapshot(now).ActiveClaims(author)
	}
	return total, nil
}

// ListAppends returns a file's append log ordered by seq, optionally starting
// after sinceSeq. limit <= 0 means no limit.
func (s *Store) ListAppends(ctx context.Context, fileID string, sinceSeq int64, limit int) ([]*models.Append, error) {
	var rows []*models.Append
	q := s.db.WithContext(ctx).
		Where("file_id = ? AND seq > ?", fileID, sinceSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list appends: %w", err)
	}
	return rows, nil
}

// GetAppendBySeq returns one append by its per-file sequence number.
func (s *Store) GetAppendBySeq(ctx context.Context, fileID string, seq int64) (*models.Append, error) {
	var row models.Append
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND seq = ?", fileID, seq).
		First(&row).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrAppendNotFound)
	}
	return &row, nil
}

// TasksForFile returns the reduced task state of a file with claim expiry
// applied at now. Raw reductions are cached keyed on the append counter, so
// repeated reads of a quiet file cost one map lookup.
func (s *Store) TasksForFile(ctx context.Context, file *models.File, now time.Time) (*tasklog.FileTasks, error) {
	if tasks, ok := s.tasks.Get(file.ID, file.AppendSeq, now); ok {
		return tasks, nil
	}
	rows, err := s.ListAppends(ctx, file.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	raw := tasklog.ReduceRaw(rows)
	s.tasks.Put(file.ID, file.AppendSeq, raw)
	return raw.Snapshot(now), nil
}

// ScopedTask pairs a reduced task with the file it lives in.
type ScopedTask struct {
	Path string
	Task *tasklog.Task
}

// TasksInScope reduces every live file under prefix and returns all their
// tasks. Filtering and ordering are the caller's business.
func (s *Store) TasksInScope(ctx context.Context, workspaceID, prefix string, now time.Time) ([]ScopedTask, error) {
	files, err := s.ListFiles(ctx, workspaceID, prefix, false)
	if err != nil {
		return nil, err
	}
	var out []ScopedTask
	for _, f := range files {
		tasks, err := s.TasksForFile(ctx, f, now)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks.Tasks {
			out = append(out, ScopedTask{Path: f.Path, Task: t})
		}
	}
	return out, nil
}

// listAppendsLocked loads a file's full log on the transaction handle.
func listAppendsLocked(tx *gorm.DB, ctx context.Context, fileID string) ([]*models.Append, error) {
	var rows []*models.Append
	err := tx.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load append log: %w", err)
	}
	return rows, nil
}
