package store

import "gorm.io/datatypes"

// PositionModel is the persisted form of orderbook.Position. Dates are unix
// seconds at midnight UTC; prices are stored as decimal strings so sqlite
// float affinity can never corrupt them.
type PositionModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	EventID    string         `gorm:"column:event_id;index"`
	Symbol     string         `gorm:"column:symbol;index"`
	Status     string         `gorm:"column:status;index"`
	TDayUnix   int64          `gorm:"column:t_day"`
	EntryUnix  int64          `gorm:"column:entry_date"`
	ExitUnix   int64          `gorm:"column:exit_date"`
	Decision   datatypes.JSON `gorm:"column:decision_json;type:TEXT"`
	Meta       datatypes.JSON `gorm:"column:meta_json;type:TEXT"`
	TargetPct  string         `gorm:"column:target_pct"`
	StopPct    string         `gorm:"column:stop_pct"`
	EntryPrice *string        `gorm:"column:entry_price"`
	ExitPrice  *string        `gorm:"column:exit_price"`
	ExitReason string         `gorm:"column:exit_reason"`
	OpenedAt   *int64         `gorm:"column:opened_at"`
	ExitedAt   *int64         `gorm:"column:exited_at"`
	CreatedAt  int64          `gorm:"column:created_at"`
	UpdatedAt  int64          `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// ManifestModel stores one frozen configuration manifest. The full manifest
// is kept as JSON; the indexed columns exist only for lookups.
type ManifestModel struct {
	Hash         string         `gorm:"column:hash;primaryKey"`
	Frozen       bool           `gorm:"column:frozen;index"`
	SupersededBy string         `gorm:"column:superseded_by;index"`
	Payload      datatypes.JSON `gorm:"column:payload_json;type:TEXT"`
	FrozenAt     int64          `gorm:"column:frozen_at"`
}

func (ManifestModel) TableName() string { return "freeze_manifests" }

// RunModel records one daily run and whether its outputs may be trusted.
type RunModel struct {
	RunID         string         `gorm:"column:run_id;primaryKey"`
	RunDate       string         `gorm:"column:run_date;index"`
	ManifestHash  string         `gorm:"column:manifest_hash;index"`
	Valid         bool           `gorm:"column:valid"`
	InvalidReason string         `gorm:"column:invalid_reason"`
	Summary       datatypes.JSON `gorm:"column:summary_json;type:TEXT"`
	CreatedAt     int64          `gorm:"column:created_at"`
}

func (RunModel) TableName() string { return "runs" }
