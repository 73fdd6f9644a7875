// Package store persists conversation logs, running histories and phase
// records with GORM on PostgreSQL or SQLite.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"phaseforge/internal/config"
	"phaseforge/internal/inference"
	"phaseforge/internal/logging"
)

// ConversationMessage is one entry of the append-only conversation log.
type ConversationMessage struct {
	ID             uint   `gorm:"primarykey"`
	SessionID      string `gorm:"size:64;not null;uniqueIndex:idx_session_seq"`
	Seq            int    `gorm:"not null;uniqueIndex:idx_session_seq"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text"`
	Parts          string `gorm:"type:text"`
	ToolCalls      string `gorm:"type:text"`
	ToolCallID     string `gorm:"size:128"`
	Name           string `gorm:"size:128"`
	ConversationID string `gorm:"size:64;index"`
	CreatedAt      time.Time
}

// HistorySnapshot is the model-facing history of a session after the last
// append or compaction.
type HistorySnapshot struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Messages  string `gorm:"type:text;not null"`
	Count     int
	UpdatedAt time.Time
}

// PhaseRecord is a completed build phase.
type PhaseRecord struct {
	ID          uint   `gorm:"primarykey"`
	SessionID   string `gorm:"size:64;not null;index"`
	Name        string `gorm:"size:255;not null"`
	Description string `gorm:"type:text"`
	Files       int
	Failed      int
	LastPhase   bool
	CreatedAt   time.Time
}

// Store wraps the GORM database instance
type Store struct {
	DB  *gorm.DB
	log *zap.Logger
}

// Open connects with the configured driver and migrates the schema.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.Driver == "postgres" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// SQLite serializes writers; one connection also keeps :memory: shared.
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{DB: db, log: logging.OrNamed(log, "store")}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	s.log.Info("database connected", zap.String("driver", dialector.Name()))
	return s, nil
}

// Migrate runs database migrations
func (s *Store) Migrate() error {
	if err := s.DB.AutoMigrate(&ConversationMessage{}, &HistorySnapshot{}, &PhaseRecord{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendLog appends messages to the session's full log.
func (s *Store) AppendLog(ctx context.Context, sessionID string, msgs ...inference.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&ConversationMessage{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return fmt.Errorf("read log position: %w", err)
		}

		records := make([]ConversationMessage, 0, len(msgs))
		for i, m := range msgs {
			rec, err := toRecord(sessionID, last+i+1, m)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("append conversation log: %w", err)
		}
		return nil
	})
}

// LoadLog returns the full log in append order.
func (s *Store) LoadLog(ctx context.Context, sessionID string) ([]inference.Message, error) {
	var records []ConversationMessage
	if err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load conversation log: %w", err)
	}
	out := make([]inference.Message, 0, len(records))
	for _, rec := range records {
		m, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SaveHistory replaces the running history snapshot.
func (s *Store) SaveHistory(ctx context.Context, sessionID string, history []inference.Message) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	snap := HistorySnapshot{SessionID: sessionID, Messages: string(data), Count: len(history), UpdatedAt: time.Now().UTC()}
	err = s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"messages", "count", "updated_at"}),
	}).Create(&snap).Error
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// LoadHistory returns the running history, or nil for an unknown session.
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]inference.Message, error) {
	var snap HistorySnapshot
	err := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var history []inference.Message
	if err := json.Unmarshal([]byte(snap.Messages), &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

// RecordPhase stores a completed phase.
func (s *Store) RecordPhase(ctx context.Context, rec PhaseRecord) error {
	if err := s.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record phase: %w", err)
	}
	return nil
}

// Phases lists the recorded phases of a session, oldest first.
func (s *Store) Phases(ctx context.Context, sessionID string) ([]PhaseRecord, error) {
	var out []PhaseRecord
	if err := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	return out, nil
}

func toRecord(sessionID string, seq int, m inference.Message) (ConversationMessage, error) {
	rec := ConversationMessage{
		SessionID:      sessionID,
		Seq:            seq,
		Role:           string(m.Role),
		Content:        m.Content,
		ToolCallID:     m.ToolCallID,
		Name:           m.Name,
		ConversationID: m.ConversationID,
	}
	if len(m.Parts) > 0 {
		data, err := json.Marshal(m.Parts)
		if err != nil {
			return rec, fmt.Errorf("encode message parts: %w", err)
		}
		rec.Parts = string(data)
	}
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return rec, fmt.Errorf("encode tool calls: %w", err)
		}
		rec.ToolCalls = string(data)
	}
	return rec, nil
}

func fromRecord(rec ConversationMessage) (inference.Message, error) {
	m := inference.Message{
		Role:           inference.Role(rec.Role),
		Content:        rec.Content,
		ToolCallID:     rec.ToolCallID,
		Name:           rec.Name,
		ConversationID: rec.ConversationID,
	}
	if rec.Parts != "" {
		if err := json.Unmarshal([]byte(rec.Parts), &m.Parts); err != nil {
			return m, fmt.Errorf("decode message parts: %w", err)
		}
	}
	if rec.ToolCalls != "" {
		if err := json.Unmarshal([]byte(rec.ToolCalls), &m.ToolCalls); err != nil {
			return m, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return m, nil
}
