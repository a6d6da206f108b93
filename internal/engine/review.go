package engine

import (
	"context"
	"errors"
	"time"

	"sitepunch/internal/domain"
	"sitepunch/internal/events"
	"sitepunch/internal/repo"
)

// ReviewFilters scope a review listing. From and To bound clock-in time,
// both inclusive, so a manager can review a single pay period.
type ReviewFilters struct {
	Tag             domain.ExceptionTag
	From            string
	To              string
	Limit           int
	CursorClockInAt string
	CursorID        string
}

// ListByException returns pending entries matching the filters, newest
// first. An empty tag lists all pending entries.
func (e Engine) ListByException(ctx context.Context, tenantID string, f ReviewFilters) ([]domain.TimeEntry, error) {
	return e.Repo.ListEntries(ctx, repo.EntryFilters{
		TenantID:        tenantID,
		Status:          domain.StatusPending,
		Tag:             string(f.Tag),
		From:            f.From,
		To:              f.To,
		Limit:           f.Limit,
		CursorClockInAt: f.CursorClockInAt,
		CursorID:        f.CursorID,
	})
}

// Approve moves a pending entry to approved. Only pending entries can be
// approved; an approved or rejected entry stays decided.
func (e Engine) Approve(ctx context.Context, tenantID, entryID, actorID string) (domain.TimeEntry, error) {
	return e.decide(ctx, tenantID, entryID, actorID, domain.StatusApproved, "")
}

// Reject moves a pending entry to rejected with a required reason.
func (e Engine) Reject(ctx context.Context, tenantID, entryID, actorID, reason string) (domain.TimeEntry, error) {
	if reason == "" {
		return domain.TimeEntry{}, errors.New("reject reason is required")
	}
	return e.decide(ctx, tenantID, entryID, actorID, domain.StatusRejected, reason)
}

func (e Engine) decide(ctx context.Context, tenantID, entryID, actorID, newStatus, reason string) (domain.TimeEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()

	entry, err := e.Repo.GetEntryTx(ctx, tx, tenantID, entryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimeEntry{}, ErrEntryNotFound
		}
		return domain.TimeEntry{}, err
	}
	if err := ensureEntryTransition(entry.Status, newStatus); err != nil {
		return domain.TimeEntry{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	entry.Status = newStatus
	entry.UpdatedAt = now
	evtType := events.EntryApproved
	payload := events.EventPayload{"worker_id": entry.WorkerID}
	switch newStatus {
	case domain.StatusApproved:
		entry.ApprovedBy = &actorID
		entry.ApprovedAt = &now
	case domain.StatusRejected:
		entry.RejectedBy = &actorID
		entry.RejectedAt = &now
		entry.RejectReason = &reason
		evtType = events.EntryRejected
		payload["reason"] = reason
	}
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, tenantID, "time_entry", entry.ID, actorID, payload); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	return entry, nil
}

// BulkResult reports the outcome for one entry of a bulk decision.
type BulkResult struct {
	EntryID string `json:"entry_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// BulkApprove applies Approve to each id independently. A failure on one
// entry never skips or aborts the others; the caller gets per-id outcomes.
func (e Engine) BulkApprove(ctx context.Context, tenantID string, entryIDs []string, actorID string) []BulkResult {
	return e.bulkDecide(ctx, tenantID, entryIDs, func(id string) error {
		_, err := e.Approve(ctx, tenantID, id, actorID)
		return err
	})
}

// BulkReject applies Reject with a shared reason to each id independently.
func (e Engine) BulkReject(ctx context.Context, tenantID string, entryIDs []string, actorID, reason string) []BulkResult {
	return e.bulkDecide(ctx, tenantID, entryIDs, func(id string) error {
		_, err := e.Reject(ctx, tenantID, id, actorID, reason)
		return err
	})
}

func (e Engine) bulkDecide(ctx context.Context, tenantID string, entryIDs []string, decide func(id string) error) []BulkResult {
	results := make([]BulkResult, 0, len(entryIDs))
	for _, id := range entryIDs {
		res := BulkResult{EntryID: id, OK: true}
		if err := decide(id); err != nil {
			res.OK = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// Dispute lets a worker contest a pending entry. The entry keeps its status
// and gains the disputed tag so review surfaces it.
func (e Engine) Dispute(ctx context.Context, tenantID, entryID, workerID, reason string) (domain.TimeEntry, error) {
	if reason == "" {
		return domain.TimeEntry{}, errors.New("dispute reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	defer tx.Rollback()

	entry, err := e.Repo.GetEntryTx(ctx, tx, tenantID, entryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TimeEntry{}, ErrEntryNotFound
		}
		return domain.TimeEntry{}, err
	}
	if entry.WorkerID != workerID {
		return domain.TimeEntry{}, errors.New("entry belongs to a different worker")
	}
	if entry.Status != domain.StatusPending {
		return domain.TimeEntry{}, errors.New("only pending entries can be disputed")
	}
	entry.DisputeReason = &reason
	if !entry.HasTag(domain.TagDisputed) {
		entry.ExceptionTags = append(entry.ExceptionTags, domain.TagDisputed)
	}
	entry.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateEntryTx(ctx, tx, entry); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := e.Events.Append(ctx, tx, events.EntryDisputed, tenantID, "time_entry", entry.ID, workerID, events.EventPayload{"reason": reason}); err != nil {
		return domain.TimeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TimeEntry{}, err
	}
	return entry, nil
}
