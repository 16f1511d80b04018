package pipeline

import (
	"context"
	"errors"
	"fmt"

	"bidding-kb-go/internal/archiver"
	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/pkg/log"
)

// Detection 是上传冲突检测的结果。Kind 为空表示没有冲突。
type Detection struct {
	Kind     model.DuplicateKind
	Existing *model.FileRecord
	// Deferred 表示需要调用方后续给出处理决定，不是错误。
	Deferred bool
}

// Resolver 在上传之后、解析之前检测冲突，并执行调用方的处理决定。
type Resolver struct {
	files         repository.FileRepository
	controller    *Controller
	defaultPolicy model.DuplicateAction
}

// NewResolver 创建冲突处理器，defaultPolicy 为空或非法时按 skip 处理。
func NewResolver(files repository.FileRepository, controller *Controller, defaultPolicy string) *Resolver {
	policy, ok := model.ParseDuplicateAction(defaultPolicy)
	if !ok || policy == "" {
		policy = model.DuplicateSkip
	}
	return &Resolver{files: files, controller: controller, defaultPolicy: policy}
}

// Detect 按优先级检测冲突：内容相同 > 语义文件名相同 > 原始文件名相同。
// action 为空且命中同名冲突时返回 Deferred。
func (r *Resolver) Detect(ctx context.Context, contentHash, originalFilename string, action model.DuplicateAction) (Detection, error) {
	existing, err := r.files.FindActiveByHash(ctx, contentHash)
	if err == nil {
		return Detection{Kind: model.DuplicateContentIdentical, Existing: existing}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return Detection{}, err
	}

	existing, err = r.files.FindActiveByOriginalName(ctx, originalFilename, contentHash)
	if errors.Is(err, repository.ErrNotFound) {
		return Detection{}, nil
	}
	if err != nil {
		return Detection{}, err
	}
	// 同名且哈希前 6 位相同：语义文件名会完全一致
	if len(contentHash) >= 6 && existing.Hash6() == contentHash[:6] {
		return Detection{}, fmt.Errorf("%w: %q collides with %s on hash prefix %s",
			archiver.ErrInvariantViolation, originalFilename, existing.ID, existing.Hash6())
	}
	return Detection{Kind: model.DuplicateNameSimilar, Existing: existing, Deferred: action == ""}, nil
}

// Resolve 对 duplicate 状态的记录执行处理决定，返回是否需要投递处理任务。
// action 为空时使用默认策略。
func (r *Resolver) Resolve(ctx context.Context, fileID string, action model.DuplicateAction) (*model.FileRecord, bool, error) {
	rec, err := r.files.FindByID(ctx, fileID)
	if err != nil {
		return nil, false, err
	}
	if rec.Status != model.StatusDuplicate {
		return nil, false, fmt.Errorf("%w: %s is %s, not duplicate", repository.ErrStatusConflict, fileID, rec.Status)
	}
	if action == "" {
		action = r.defaultPolicy
	}
	from := []model.FileStatus{model.StatusDuplicate}

	switch action {
	case model.DuplicateSkip:
		updated, err := r.files.Transition(ctx, fileID, from, model.StatusDeleted, map[string]any{"temp_path": ""})
		if err != nil {
			return nil, false, err
		}
		removeTemp(rec.TempPath)
		log.Infof("[Resolver] 跳过重复上传, file_id: %s, duplicate_of: %s", fileID, rec.DuplicateOf)
		return updated, false, nil

	case model.DuplicateUpdate:
		updated, err := r.files.Transition(ctx, fileID, from, model.StatusUploaded, nil)
		if err != nil {
			return nil, false, err
		}
		log.Infof("[Resolver] 保留两份, file_id: %s, duplicate_of: %s", fileID, rec.DuplicateOf)
		return updated, true, nil

	case model.DuplicateOverwrite:
		if rec.DuplicateOf != "" {
			if err := r.controller.Delete(ctx, rec.DuplicateOf); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return nil, false, fmt.Errorf("tear down %s: %w", rec.DuplicateOf, err)
			}
		}
		updated, err := r.files.Transition(ctx, fileID, from, model.StatusUploaded, map[string]any{"supersedes": rec.DuplicateOf})
		if err != nil {
			return nil, false, err
		}
		log.Infof("[Resolver] 覆盖旧记录, file_id: %s, supersedes: %s", fileID, rec.DuplicateOf)
		return updated, true, nil
	}
	return nil, false, fmt.Errorf("unknown duplicate action %q", action)
}
