package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/model"
)

// QueueDao owns the flat task_queue used for single-task executions outside
// the stack engine. Claims are leased; an expired lease makes the entry
// stealable by another worker.
type QueueDao interface {
	// Enqueue inserts a new entry unless one with the same request_id
	// already exists; the bool reports whether a row was created.
	Enqueue(ctx context.Context, entry *model.QueueEntry) (*model.QueueEntry, bool, error)
	// Claim takes the oldest queued entry, or steals the oldest running
	// entry whose lease has expired. Returns nil when the queue is idle.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*model.QueueEntry, error)
	Renew(ctx context.Context, queueID int64, workerID string, lease time.Duration) error
	Complete(ctx context.Context, queueID int64, status consts.NodeStatus, errMsg string) error
	Get(ctx context.Context, requestID string) (*model.QueueEntry, error)
	GetByID(ctx context.Context, queueID int64) (*model.QueueEntry, error)
	Cancel(ctx context.Context, requestID, reason string) error
}

type queueDaoImpl struct{ db *gorm.DB }

func NewQueueDao(db *gorm.DB) QueueDao { return &queueDaoImpl{db: db} }

func (r *queueDaoImpl) Enqueue(ctx context.Context, entry *model.QueueEntry) (*model.QueueEntry, bool, error) {
	var existing model.QueueEntry
	err := r.db.WithContext(ctx).Where("request_id=?", entry.RequestID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = consts.NodeQueued
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		// Unique index race: another producer inserted the same request_id.
		if gerr := r.db.WithContext(ctx).Where("request_id=?", entry.RequestID).First(&existing).Error; gerr == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	return entry, true, nil
}

func (r *queueDaoImpl) Claim(ctx context.Context, workerID string, lease time.Duration) (*model.QueueEntry, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	for {
		var entry model.QueueEntry
		err := r.db.WithContext(ctx).
			Where("status=? OR (status=? AND lease_expires_at < ?)",
				consts.NodeQueued, consts.NodeRunning, now).
			Order("queue_id").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
			Where("queue_id=? AND (status=? OR (status=? AND lease_expires_at < ?))",
				entry.QueueID, consts.NodeQueued, consts.NodeRunning, now).
			Updates(map[string]interface{}{
				"status":           consts.NodeRunning,
				"worker_id":        workerID,
				"started_at":       now,
				"lease_expires_at": expires,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		entry.Status = consts.NodeRunning
		entry.WorkerID = workerID
		entry.StartedAt = &now
		entry.LeaseExpiresAt = &expires
		return &entry, nil
	}
}

func (r *queueDaoImpl) Renew(ctx context.Context, queueID int64, workerID string, lease time.Duration) error {
	expires := time.Now().UTC().Add(lease)
	res := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("queue_id=? AND worker_id=? AND status=?", queueID, workerID, consts.NodeRunning).
		Update("lease_expires_at", expires)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueDaoImpl) Complete(ctx context.Context, queueID int64, status consts.NodeStatus, errMsg string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("queue_id=?", queueID).
		Updates(map[string]interface{}{
			"status":        status,
			"finished_at":   now,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueDaoImpl) Get(ctx context.Context, requestID string) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	if err := r.db.WithContext(ctx).Where("request_id=?", requestID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *queueDaoImpl) GetByID(ctx context.Context, queueID int64) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	if err := r.db.WithContext(ctx).Where("queue_id=?", queueID).First(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Cancel marks a queued or running entry cancelled. A running worker
// notices after execution and keeps the cancelled status.
func (r *queueDaoImpl) Cancel(ctx context.Context, requestID, reason string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("request_id=? AND status IN ?", requestID,
			[]consts.NodeStatus{consts.NodeQueued, consts.NodeRunning}).
		Updates(map[string]interface{}{
			"status":        consts.NodeCancelled,
			"finished_at":   now,
			"error_message": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
