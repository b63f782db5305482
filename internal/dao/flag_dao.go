package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/model"
)

// FlagDao reads and writes operator control flags. A flag counts as set
// when its value is the truthy marker.
type FlagDao interface {
	IsSet(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, on bool) error
	KillSwitchActive(ctx context.Context) (bool, error)
	PauseActive(ctx context.Context) (bool, error)
	InitDefaults(ctx context.Context) error
}

type flagDaoImpl struct{ db *gorm.DB }

func NewFlagDao(db *gorm.DB) FlagDao { return &flagDaoImpl{db: db} }

func (r *flagDaoImpl) IsSet(ctx context.Context, key string) (bool, error) {
	var flag model.ControlFlag
	err := r.db.WithContext(ctx).Where("key=?", key).First(&flag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag.Value == consts.FlagTruthy, nil
}

func (r *flagDaoImpl) Set(ctx context.Context, key string, on bool) error {
	value := "0"
	if on {
		value = consts.FlagTruthy
	}
	res := r.db.WithContext(ctx).Model(&model.ControlFlag{}).
		Where("key=?", key).
		Update("value", value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.db.WithContext(ctx).Create(&model.ControlFlag{Key: key, Value: value}).Error
	}
	return nil
}

func (r *flagDaoImpl) KillSwitchActive(ctx context.Context) (bool, error) {
	return r.IsSet(ctx, consts.FlagKillSwitch)
}

func (r *flagDaoImpl) PauseActive(ctx context.Context) (bool, error) {
	return r.IsSet(ctx, consts.FlagPauseQueue)
}

// InitDefaults seeds the known flags off so operators see them listed.
func (r *flagDaoImpl) InitDefaults(ctx context.Context) error {
	for _, key := range []string{consts.FlagKillSwitch, consts.FlagPauseQueue} {
		var flag model.ControlFlag
		err := r.db.WithContext(ctx).Where("key=?", key).First(&flag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if cerr := r.db.WithContext(ctx).Create(&model.ControlFlag{Key: key, Value: "0"}).Error; cerr != nil {
				return cerr
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
