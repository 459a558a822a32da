package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// tradeRecord is one trade row. The full snapshot lives in Payload; the other
// columns exist for filtering and ordering.
type tradeRecord struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	Status        string         `gorm:"column:status;index"`
	Archived      bool           `gorm:"column:archived;index"`
	Payload       datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (tradeRecord) TableName() string { return "trades" }

type metaRecord struct {
	Name  string `gorm:"column:name;primaryKey"`
	Value string `gorm:"column:value"`
}

func (metaRecord) TableName() string { return "meta" }

// SQLStore keeps the registry content in SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (and migrates) the database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&tradeRecord{}, &metaRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return &SQLStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load returns every stored trade, live and archived, oldest first.
func (s *SQLStore) Load(ctx context.Context) (models.TradeState, error) {
	st := models.TradeState{Version: CurrentVersion, Trades: []models.Trade{}, Archived: []models.Trade{}}

	var rows []tradeRecord
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return st, fmt.Errorf("load trades: %w", err)
	}
	for _, row := range rows {
		var t models.Trade
		if err := json.Unmarshal(row.Payload, &t); err != nil {
			return st, fmt.Errorf("decode trade %s: %w", row.ID, err)
		}
		if row.Archived {
			st.Archived = append(st.Archived, t)
		} else {
			st.Trades = append(st.Trades, t)
		}
	}

	var meta metaRecord
	if err := s.db.WithContext(ctx).Where("name = ?", "last_sync").Limit(1).Find(&meta).Error; err == nil {
		st.LastSync = meta.Value
	}
	return st, nil
}

// Save upserts every trade in st and drops rows no longer present.
func (s *SQLStore) Save(ctx context.Context, st models.TradeState) error {
	rows := make([]tradeRecord, 0, len(st.Trades)+len(st.Archived))
	ids := make([]string, 0, cap(rows))
	for _, group := range []struct {
		trades   []models.Trade
		archived bool
	}{{st.Trades, false}, {st.Archived, true}} {
		for _, t := range group.trades {
			row, err := newTradeRecord(t, group.archived)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			ids = append(ids, t.ID)
		}
	}
	if st.LastSync == "" {
		st.LastSync = time.Now().UTC().Format(time.RFC3339)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"symbol", "status", "archived", "payload", "updated_at"}),
			}).Create(&rows).Error
			if err != nil {
				return fmt.Errorf("upsert trades: %w", err)
			}
		}

		del := tx.Model(&tradeRecord{})
		if len(ids) > 0 {
			del = del.Where("id NOT IN ?", ids)
		} else {
			del = del.Where("1 = 1")
		}
		if err := del.Delete(&tradeRecord{}).Error; err != nil {
			return fmt.Errorf("prune trades: %w", err)
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&metaRecord{Name: "last_sync", Value: st.LastSync}).Error
	})
}

func newTradeRecord(t models.Trade, archived bool) (tradeRecord, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return tradeRecord{}, fmt.Errorf("encode trade %s: %w", t.ID, err)
	}
	return tradeRecord{
		ID:            t.ID,
		Symbol:        t.Symbol,
		Status:        string(t.Status),
		Archived:      archived,
		Payload:       datatypes.JSON(b),
		CreatedAtUnix: t.CreatedAt.Unix(),
		UpdatedAtUnix: t.UpdatedAt.Unix(),
	}, nil
}
