// Package store persists positions, freeze manifests and run records in a
// single sqlite database behind gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"papertrade/internal/calendar"
	"papertrade/internal/freeze"
	"papertrade/internal/gate"
	"papertrade/internal/orderbook"
)

// Store implements orderbook.Store and freeze.Store over one sqlite file.
type Store struct {
	db *gorm.DB
}

var (
	_ orderbook.Store = (*Store)(nil)
	_ freeze.Store    = (*Store)(nil)
)

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PositionModel{}, &ManifestModel{}, &RunModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- orderbook.Store ---

func (s *Store) Save(ctx context.Context, p *orderbook.Position) error {
	model, err := positionToModel(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(model).Error
}

func (s *Store) Get(ctx context.Context, id string) (*orderbook.Position, error) {
	var model PositionModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, orderbook.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return positionFromModel(&model)
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...orderbook.Status) ([]*orderbook.Position, error) {
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	var models []PositionModel
	if err := s.db.WithContext(ctx).Where("status IN ?", raw).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*orderbook.Position, 0, len(models))
	for i := range models {
		p, err := positionFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func positionToModel(p *orderbook.Position) (*PositionModel, error) {
	decisionJSON, err := json.Marshal(p.Decision)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(p.Meta)
	if err != nil {
		return nil, err
	}
	model := &PositionModel{
		ID:         p.ID,
		EventID:    p.EventID,
		Symbol:     p.Symbol,
		Status:     string(p.Status),
		TDayUnix:   p.Axis.TDay.Unix(),
		EntryUnix:  p.Axis.EntryDate.Unix(),
		ExitUnix:   p.Axis.ExitDate.Unix(),
		Decision:   datatypes.JSON(decisionJSON),
		Meta:       datatypes.JSON(metaJSON),
		TargetPct:  p.TargetPct.String(),
		StopPct:    p.StopPct.String(),
		ExitReason: p.ExitReason,
		CreatedAt:  p.CreatedAt.Unix(),
		UpdatedAt:  p.UpdatedAt.Unix(),
	}
	if p.EntryPrice != nil {
		v := p.EntryPrice.String()
		model.EntryPrice = &v
	}
	if p.ExitPrice != nil {
		v := p.ExitPrice.String()
		model.ExitPrice = &v
	}
	if p.OpenedAt != nil {
		v := p.OpenedAt.Unix()
		model.OpenedAt = &v
	}
	if p.ExitedAt != nil {
		v := p.ExitedAt.Unix()
		model.ExitedAt = &v
	}
	return model, nil
}

func positionFromModel(m *PositionModel) (*orderbook.Position, error) {
	var decision gate.Decision
	if len(m.Decision) > 0 {
		if err := json.Unmarshal(m.Decision, &decision); err != nil {
			return nil, fmt.Errorf("store: position %s decision: %w", m.ID, err)
		}
	}
	var meta orderbook.RunMetadata
	if len(m.Meta) > 0 {
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			return nil, fmt.Errorf("store: position %s meta: %w", m.ID, err)
		}
	}
	targetPct, err := decimal.NewFromString(m.TargetPct)
	if err != nil {
		return nil, fmt.Errorf("store: position %s target_pct: %w", m.ID, err)
	}
	stopPct, err := decimal.NewFromString(m.StopPct)
	if err != nil {
		return nil, fmt.Errorf("store: position %s stop_pct: %w", m.ID, err)
	}

	p := &orderbook.Position{
		ID:      m.ID,
		EventID: m.EventID,
		Symbol:  m.Symbol,
		Axis: calendar.TimeAxis{
			TDay:      time.Unix(m.TDayUnix, 0).UTC(),
			EntryDate: time.Unix(m.EntryUnix, 0).UTC(),
			ExitDate:  time.Unix(m.ExitUnix, 0).UTC(),
		},
		Status:     orderbook.Status(m.Status),
		Decision:   decision,
		Meta:       meta,
		TargetPct:  targetPct,
		StopPct:    stopPct,
		ExitReason: m.ExitReason,
		CreatedAt:  time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt:  time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.EntryPrice != nil {
		d, err := decimal.NewFromString(*m.EntryPrice)
		if err != nil {
			return nil, fmt.Errorf("store: position %s entry_price: %w", m.ID, err)
		}
		p.EntryPrice = &d
	}
	if m.ExitPrice != nil {
		d, err := decimal.NewFromString(*m.ExitPrice)
		if err != nil {
			return nil, fmt.Errorf("store: position %s exit_price: %w", m.ID, err)
		}
		p.ExitPrice = &d
	}
	if m.OpenedAt != nil {
		v := time.Unix(*m.OpenedAt, 0).UTC()
		p.OpenedAt = &v
	}
	if m.ExitedAt != nil {
		v := time.Unix(*m.ExitedAt, 0).UTC()
		p.ExitedAt = &v
	}
	return p, nil
}

// --- freeze.Store ---

func (s *Store) SaveManifest(ctx context.Context, m *freeze.Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	model := &ManifestModel{
		Hash:         m.ManifestHash,
		Frozen:       m.Frozen,
		SupersededBy: m.SupersededBy,
		Payload:      datatypes.JSON(payload),
		FrozenAt:     m.FrozenAt.Unix(),
	}
	return s.db.WithContext(ctx).Save(model).Error
}

func (s *Store) GetManifest(ctx context.Context, hash string) (*freeze.Manifest, error) {
	var model ManifestModel
	err := s.db.WithContext(ctx).First(&model, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, freeze.ErrNoActiveManifest
	}
	if err != nil {
		return nil, err
	}
	return manifestFromModel(&model)
}

func (s *Store) ActiveManifest(ctx context.Context) (*freeze.Manifest, error) {
	var model ManifestModel
	err := s.db.WithContext(ctx).
		Where("frozen = ? AND (superseded_by IS NULL OR superseded_by = ?)", true, "").
		Order("frozen_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, freeze.ErrNoActiveManifest
	}
	if err != nil {
		return nil, err
	}
	return manifestFromModel(&model)
}

func manifestFromModel(m *ManifestModel) (*freeze.Manifest, error) {
	var out freeze.Manifest
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return nil, fmt.Errorf("store: manifest %s payload: %w", m.Hash, err)
	}
	return &out, nil
}

// --- run records ---

// RunRecord is the audit row for one daily run.
type RunRecord struct {
	RunID         string          `json:"run_id"`
	RunDate       string          `json:"run_date"`
	ManifestHash  string          `json:"manifest_hash"`
	Valid         bool            `json:"valid"`
	InvalidReason string          `json:"invalid_reason,omitempty"`
	Summary       json.RawMessage `json:"summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("store: run not found")

func (s *Store) SaveRun(ctx context.Context, r *RunRecord) error {
	model := &RunModel{
		RunID:         r.RunID,
		RunDate:       r.RunDate,
		ManifestHash:  r.ManifestHash,
		Valid:         r.Valid,
		InvalidReason: r.InvalidReason,
		Summary:       datatypes.JSON(r.Summary),
		CreatedAt:     r.CreatedAt.Unix(),
	}
	return s.db.WithContext(ctx).Save(model).Error
}

func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var model RunModel
	err := s.db.WithContext(ctx).First(&model, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &RunRecord{
		RunID:         model.RunID,
		RunDate:       model.RunDate,
		ManifestHash:  model.ManifestHash,
		Valid:         model.Valid,
		InvalidReason: model.InvalidReason,
		Summary:       json.RawMessage(model.Summary),
		CreatedAt:     time.Unix(model.CreatedAt, 0).UTC(),
	}, nil
}

// InvalidateRun marks a run untrusted. Existing summary data stays on
// record; only the validity flag and reason change.
func (s *Store) InvalidateRun(ctx context.Context, runID, reason string) error {
	res := s.db.WithContext(ctx).Model(&RunModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{"valid": false, "invalid_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}
