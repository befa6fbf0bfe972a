package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type monitorStateRow struct {
	Key          string `gorm:"primaryKey;column:monitor_key"`
	Settings     string
	Rules        string
	Observations string
	Ticks        int64
	UpdatedAt    time.Time
}

func (monitorStateRow) TableName() string { return "monitor_states" }

type jobRow struct {
	ID        string `gorm:"primaryKey"`
	Kind      string
	TimeOfDay string
	Weekdays  string
	Cron      string
	Enabled   bool
	Params    string
	LastRun   *time.Time
	NextRun   *time.Time
	LastError *string
	UpdatedAt time.Time
}

func (jobRow) TableName() string { return "scheduled_jobs" }

type deliveryRow struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	MonitorKey  string
	RuleID      string
	Fingerprint string
	Channel     string
	Category    string
	Severity    string
	Outcome     string
	Message     string
	Error       *string
	CreatedAt   time.Time `gorm:"index"`
}

func (deliveryRow) TableName() string { return "deliveries" }

// LocalStore persists to a single SQLite file through gorm, for single-host
// deployments without PostgreSQL.
type LocalStore struct {
	db *gorm.DB
}

// OpenLocal opens (or creates) the SQLite database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenLocal(path string) (*LocalStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&monitorStateRow{}, &jobRow{}, &deliveryRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *LocalStore) LoadMonitorState(ctx context.Context, key string) (MonitorState, error) {
	var row monitorStateRow
	err := s.db.WithContext(ctx).Where("monitor_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MonitorState{}, ErrNotFound
	}
	if err != nil {
		return MonitorState{}, fmt.Errorf("load monitor state: %w", err)
	}
	return row.state()
}

func (s *LocalStore) SaveMonitorState(ctx context.Context, state MonitorState) error {
	settings, rulesJSON, observations, err := encodeState(state)
	if err != nil {
		return err
	}
	row := monitorStateRow{
		Key:          state.Key,
		Settings:     string(settings),
		Rules:        string(rulesJSON),
		Observations: string(observations),
		Ticks:        state.Ticks,
		UpdatedAt:    state.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save monitor state: %w", err)
	}
	return nil
}

func (s *LocalStore) DeleteMonitorState(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("monitor_key = ?", key).Delete(&monitorStateRow{}).Error; err != nil {
		return fmt.Errorf("delete monitor state: %w", err)
	}
	return nil
}

func (s *LocalStore) ListMonitorStates(ctx context.Context) ([]MonitorState, error) {
	var rows []monitorStateRow
	if err := s.db.WithContext(ctx).Order("monitor_key").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list monitor states: %w", err)
	}
	out := make([]MonitorState, 0, len(rows))
	for _, row := range rows {
		state, err := row.state()
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *LocalStore) LoadScheduledJobs(ctx context.Context) ([]JobRecord, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load scheduled jobs: %w", err)
	}
	out := make([]JobRecord, 0, len(rows))
	for _, row := range rows {
		job := JobRecord{
			ID:        row.ID,
			Kind:      row.Kind,
			TimeOfDay: row.TimeOfDay,
			Cron:      row.Cron,
			Enabled:   row.Enabled,
			LastRun:   row.LastRun,
			NextRun:   row.NextRun,
			LastError: row.LastError,
			UpdatedAt: row.UpdatedAt,
		}
		if row.Weekdays != "" {
			job.Weekdays = strings.Split(row.Weekdays, ",")
		}
		if row.Params != "" {
			if err := json.Unmarshal([]byte(row.Params), &job.Params); err != nil {
				return nil, fmt.Errorf("decode job params: %w", err)
			}
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *LocalStore) SaveScheduledJob(ctx context.Context, job JobRecord) error {
	params, err := json.Marshal(nonNilParams(job.Params))
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	row := jobRow{
		ID:        job.ID,
		Kind:      job.Kind,
		TimeOfDay: job.TimeOfDay,
		Weekdays:  strings.Join(job.Weekdays, ","),
		Cron:      job.Cron,
		Enabled:   job.Enabled,
		Params:    string(params),
		LastRun:   job.LastRun,
		NextRun:   job.NextRun,
		LastError: job.LastError,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save scheduled job: %w", err)
	}
	return nil
}

func (s *LocalStore) DeleteScheduledJob(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRow{}).Error; err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return nil
}

func (s *LocalStore) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	row := deliveryRow{
		MonitorKey:  rec.MonitorKey,
		RuleID:      rec.RuleID,
		Fingerprint: rec.Fingerprint,
		Channel:     rec.Channel,
		Category:    rec.Category,
		Severity:    rec.Severity,
		Outcome:     rec.Outcome,
		Message:     rec.Message,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (s *LocalStore) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	var rows []deliveryRow
	if err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	return toDeliveries(rows), nil
}

func (s *LocalStore) ListDeliveriesBetween(ctx context.Context, from, to time.Time) ([]DeliveryRecord, error) {
	var rows []deliveryRow
	err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list deliveries between: %w", err)
	}
	return toDeliveries(rows), nil
}

func (s *LocalStore) DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", olderThan).Delete(&deliveryRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete deliveries before: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *LocalStore) CountDeliveries(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&deliveryRow{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return count, nil
}

func (row monitorStateRow) state() (MonitorState, error) {
	state := MonitorState{Key: row.Key, Ticks: row.Ticks, UpdatedAt: row.UpdatedAt}
	if err := decodeState(&state, []byte(row.Settings), []byte(row.Rules), []byte(row.Observations)); err != nil {
		return MonitorState{}, err
	}
	return state, nil
}

func toDeliveries(rows []deliveryRow) []DeliveryRecord {
	out := make([]DeliveryRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, DeliveryRecord{
			ID:          row.ID,
			MonitorKey:  row.MonitorKey,
			RuleID:      row.RuleID,
			Fingerprint: row.Fingerprint,
			Channel:     row.Channel,
			Category:    row.Category,
			Severity:    row.Severity,
			Outcome:     row.Outcome,
			Message:     row.Message,
			Error:       row.Error,
			CreatedAt:   row.CreatedAt,
		})
	}
	return out
}

var _ Backend = (*LocalStore)(nil)
