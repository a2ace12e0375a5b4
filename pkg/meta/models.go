package meta

import (
	"time"

	"gorm.io/datatypes"
)

// 同步结果状态
const (
	StatusCommitted = "committed" // 提交了新版本
	StatusUnchanged = "unchanged" // 上游版本已存在，只补下载了缺失资源
	StatusFailed    = "failed"    // 周期中止，登记表未变
)

// Models 返回需要迁移的全部表
func Models() []any {
	return []any{&SyncRun{}, &RevisionRecord{}}
}

// SyncRun 记录一次同步周期
// 用于 `patchmirror history` 查看最近的同步情况
type SyncRun struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	Revision string `gorm:"index;type:varchar(255)"`
	Status   string `gorm:"index;type:varchar(16);not null"`

	StartedAt  time.Time `gorm:"index"`
	DurationMs int64

	// 差异统计
	NewAssets       int
	ChangedAssets   int
	RemovedAssets   int
	UnchangedAssets int

	// 下载统计
	Downloaded int
	Failed     int
	Bytes      int64

	// FailedPaths: 失败资源路径的 JSON 数组 ["Data/a.wad", ...]
	FailedPaths datatypes.JSON

	Error string `gorm:"type:text"`
}

// TableName 强制指定表名
func (SyncRun) TableName() string {
	return "sync_runs"
}

// RevisionRecord 是已提交版本的投影 (索引)
// 登记表以磁盘快照为准，这里只用于查询和审计
type RevisionRecord struct {
	ID          string `gorm:"primaryKey;type:varchar(255)"`
	Assets      int
	TotalSize   int64
	ManifestURL string    `gorm:"type:text"`
	CommittedAt time.Time `gorm:"index"`
}

func (RevisionRecord) TableName() string {
	return "revisions"
}
