package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/model"
)

// StackDao owns execution_stacks and stack_queue. Node claims are CAS
// updates guarded by the current status, so concurrent workers on the same
// stack never run the same node twice.
type StackDao interface {
	// CreateStack inserts the stack row and its root node in one
	// transaction. When a node with the root's request_id already exists
	// the call is a no-op and returns the stack that owns it.
	CreateStack(ctx context.Context, stack *model.ExecutionStack, root *model.StackNode) (*model.ExecutionStack, bool, error)
	GetStack(ctx context.Context, stackID string) (*model.ExecutionStack, error)
	GetStackByRequest(ctx context.Context, requestID string) (*model.ExecutionStack, error)
	ListStacks(ctx context.Context, limit int) ([]*model.ExecutionStack, error)

	// AcquireNext claims the next runnable node of the stack: the queued
	// node with the greatest (depth, sequence, queue_id). Returns nil when
	// no queued node remains.
	AcquireNext(ctx context.Context, stackID, workerID string, lease time.Duration) (*model.StackNode, error)
	RenewLease(ctx context.Context, queueID int64, workerID string, lease time.Duration) error
	SetInputContext(ctx context.Context, queueID int64, inputContextJSON string) error
	PushChildren(ctx context.Context, children []*model.StackNode) error
	FinalizeNode(ctx context.Context, node *model.StackNode) error

	UpdateStackContext(ctx context.Context, stackID, contextJSON string) error
	PendingCount(ctx context.Context, stackID string) (int64, error)
	// CancelQueued flips every still-queued node of the stack to cancelled
	// with the given reason. Returns the number of nodes cancelled.
	CancelQueued(ctx context.Context, stackID, reason string) (int64, error)
	FinalizeStack(ctx context.Context, stackID string, status consts.StackStatus, contextJSON, traceJSON, finalOutputJSON, errMsg string) error
	ListNodes(ctx context.Context, stackID string) ([]*model.StackNode, error)
	GetNodeByRequest(ctx context.Context, requestID string) (*model.StackNode, error)
}

type stackDaoImpl struct{ db *gorm.DB }

func NewStackDao(db *gorm.DB) StackDao { return &stackDaoImpl{db: db} }

func (r *stackDaoImpl) CreateStack(ctx context.Context, stack *model.ExecutionStack, root *model.StackNode) (*model.ExecutionStack, bool, error) {
	var existing model.StackNode
	err := r.db.WithContext(ctx).Where("request_id=?", root.RequestID).First(&existing).Error
	if err == nil {
		owner, gerr := r.GetStack(ctx, existing.StackID)
		if gerr != nil {
			return nil, false, gerr
		}
		return owner, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(stack).Error; err != nil {
			return err
		}
		root.StackID = stack.StackID
		return tx.Create(root).Error
	})
	if txErr != nil {
		// Lost a race on the unique request_id: surface the winner.
		if gerr := r.db.WithContext(ctx).Where("request_id=?", root.RequestID).First(&existing).Error; gerr == nil {
			owner, gerr2 := r.GetStack(ctx, existing.StackID)
			if gerr2 != nil {
				return nil, false, gerr2
			}
			return owner, false, nil
		}
		return nil, false, txErr
	}
	return stack, true, nil
}

func (r *stackDaoImpl) GetStack(ctx context.Context, stackID string) (*model.ExecutionStack, error) {
	var s model.ExecutionStack
	if err := r.db.WithContext(ctx).Where("stack_id=?", stackID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stackDaoImpl) GetStackByRequest(ctx context.Context, requestID string) (*model.ExecutionStack, error) {
	var s model.ExecutionStack
	if err := r.db.WithContext(ctx).Where("initial_request_id=?", requestID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stackDaoImpl) ListStacks(ctx context.Context, limit int) ([]*model.ExecutionStack, error) {
	if limit <= 0 {
		limit = 100
	}
	var list []*model.ExecutionStack
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *stackDaoImpl) AcquireNext(ctx context.Context, stackID, workerID string, lease time.Duration) (*model.StackNode, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	// Claim loop: the SELECT and CAS UPDATE are separate statements, so a
	// concurrent worker may steal the row between them. RowsAffected==0
	// means retry with the next candidate.
	for {
		var node model.StackNode
		err := r.db.WithContext(ctx).
			Where("stack_id=? AND status=?", stackID, consts.NodeQueued).
			Order("depth DESC, sequence DESC, queue_id DESC").
			First(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res := r.db.WithContext(ctx).Model(&model.StackNode{}).
			Where("queue_id=? AND status=?", node.QueueID, consts.NodeQueued).
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

		node.Status = consts.NodeRunning
		node.WorkerID = workerID
		node.StartedAt = &now
		node.LeaseExpiresAt = &expires
		return &node, nil
	}
}

func (r *stackDaoImpl) RenewLease(ctx context.Context, queueID int64, workerID string, lease time.Duration) error {
	expires := time.Now().UTC().Add(lease)
	res := r.db.WithContext(ctx).Model(&model.StackNode{}).
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

func (r *stackDaoImpl) SetInputContext(ctx context.Context, queueID int64, inputContextJSON string) error {
	return r.db.WithContext(ctx).Model(&model.StackNode{}).
		Where("queue_id=?", queueID).
		Update("input_context_json", inputContextJSON).Error
}

func (r *stackDaoImpl) PushChildren(ctx context.Context, children []*model.StackNode) error {
	if len(children) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, child := range children {
			if err := tx.Create(child).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *stackDaoImpl) FinalizeNode(ctx context.Context, node *model.StackNode) error {
	now := time.Now().UTC()
	if node.FinishedAt == nil {
		node.FinishedAt = &now
	}
	res := r.db.WithContext(ctx).Model(&model.StackNode{}).
		Where("queue_id=? AND status=?", node.QueueID, consts.NodeRunning).
		Updates(map[string]interface{}{
			"status":               node.Status,
			"finished_at":          node.FinishedAt,
			"output_json":          node.OutputJSON,
			"output_context_json":  node.OutputContextJSON,
			"pushed_children_json": node.PushedChildrenJSON,
			"error_message":        node.ErrorMessage,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *stackDaoImpl) UpdateStackContext(ctx context.Context, stackID, contextJSON string) error {
	return r.db.WithContext(ctx).Model(&model.ExecutionStack{}).
		Where("stack_id=? AND status=?", stackID, consts.StackRunning).
		Update("context_json", contextJSON).Error
}

func (r *stackDaoImpl) PendingCount(ctx context.Context, stackID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.StackNode{}).
		Where("stack_id=? AND status IN ?", stackID, []consts.NodeStatus{consts.NodeQueued, consts.NodeRunning}).
		Count(&n).Error
	return n, err
}

func (r *stackDaoImpl) CancelQueued(ctx context.Context, stackID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.StackNode{}).
		Where("stack_id=? AND status=?", stackID, consts.NodeQueued).
		Updates(map[string]interface{}{
			"status":        consts.NodeCancelled,
			"finished_at":   now,
			"error_message": reason,
		})
	return res.RowsAffected, res.Error
}

func (r *stackDaoImpl) FinalizeStack(ctx context.Context, stackID string, status consts.StackStatus, contextJSON, traceJSON, finalOutputJSON, errMsg string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&model.ExecutionStack{}).
		Where("stack_id=? AND status=?", stackID, consts.StackRunning).
		Updates(map[string]interface{}{
			"status":            status,
			"finished_at":       now,
			"context_json":      contextJSON,
			"trace_json":        traceJSON,
			"final_output_json": finalOutputJSON,
			"error_message":     errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *stackDaoImpl) ListNodes(ctx context.Context, stackID string) ([]*model.StackNode, error) {
	var list []*model.StackNode
	if err := r.db.WithContext(ctx).Where("stack_id=?", stackID).Order("queue_id").Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *stackDaoImpl) GetNodeByRequest(ctx context.Context, requestID string) (*model.StackNode, error) {
	var node model.StackNode
	if err := r.db.WithContext(ctx).Where("request_id=?", requestID).First(&node).Error; err != nil {
		return nil, err
	}
	return &node, nil
}
