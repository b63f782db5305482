package dao

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/model"
)

// FanoutDao owns task_fanout, the staging table for child tasks requested by
// a running queue entry. Rows are drained once after the parent succeeds.
type FanoutDao interface {
	Add(ctx context.Context, rec *model.FanoutRecord) error
	Unprocessed(ctx context.Context, parentQueueID int64) ([]*model.FanoutRecord, error)
	MarkProcessed(ctx context.Context, fanoutID int64) error
}

type fanoutDaoImpl struct{ db *gorm.DB }

func NewFanoutDao(db *gorm.DB) FanoutDao { return &fanoutDaoImpl{db: db} }

func (r *fanoutDaoImpl) Add(ctx context.Context, rec *model.FanoutRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *fanoutDaoImpl) Unprocessed(ctx context.Context, parentQueueID int64) ([]*model.FanoutRecord, error) {
	var list []*model.FanoutRecord
	err := r.db.WithContext(ctx).
		Where("parent_queue_id=? AND processed=0", parentQueueID).
		Order("fanout_id").
		Find(&list).Error
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (r *fanoutDaoImpl) MarkProcessed(ctx context.Context, fanoutID int64) error {
	res := r.db.WithContext(ctx).Model(&model.FanoutRecord{}).
		Where("fanout_id=? AND processed=0", fanoutID).
		Update("processed", 1)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
