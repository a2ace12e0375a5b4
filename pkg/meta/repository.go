package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRunNotFound      = errors.New("sync run not found")
	ErrRevisionNotFound = errors.New("revision not found in history")
)

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// -----------------------------------------------------------------------------
// 1. 同步记录 (Sync Runs)
// -----------------------------------------------------------------------------

// RecordRun 写入一次同步记录，成功后 run.ID 被回填
func (r *Repository) RecordRun(ctx context.Context, run *SyncRun) error {
	if err := r.db.GetConn().WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// RecentRuns 返回最近的 limit 条记录，最新的在前
func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []SyncRun
	err := r.db.GetConn().WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// LastRun 返回最近一次同步记录
func (r *Repository) LastRun(ctx context.Context) (*SyncRun, error) {
	var run SyncRun
	err := r.db.GetConn().WithContext(ctx).
		Order("started_at DESC").
		Order("id DESC").
		First(&run).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FailedPathsOf 解码 SyncRun.FailedPaths
func FailedPathsOf(run *SyncRun) ([]string, error) {
	if len(run.FailedPaths) == 0 {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal(run.FailedPaths, &paths); err != nil {
		return nil, fmt.Errorf("failed to decode failed paths: %w", err)
	}
	return paths, nil
}

// EncodePaths 把路径列表编码为 JSON 列
func EncodePaths(paths []string) (datatypes.JSON, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal paths: %w", err)
	}
	return datatypes.JSON(data), nil
}

// -----------------------------------------------------------------------------
// 2. 版本索引 (Revision Index)
// -----------------------------------------------------------------------------

// IndexRevision 把已提交的版本投影到数据库 (幂等写入)
// 如果 ID 已存在，则什么都不做 (Do Nothing)
func (r *Repository) IndexRevision(ctx context.Context, rec *RevisionRecord) error {
	err := r.db.GetConn().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}}, // 冲突列
			DoNothing: true,                          // 忽略
		}).
		Create(rec).Error

	if err != nil {
		return fmt.Errorf("failed to index revision: %w", err)
	}
	return nil
}

func (r *Repository) GetRevision(ctx context.Context, id string) (*RevisionRecord, error) {
	var rec RevisionRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("id = ?", id).
		First(&rec).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
