package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// DefaultStateFile defines where we save our data on disk.
const DefaultStateFile = "trades.json"

// CurrentVersion is the schema version written by Save.
const CurrentVersion = "2.1"

// FileStore keeps the registry content in a single JSON document.
type FileStore struct {
	Path string

	newID func() string
}

// NewFileStore returns a store backed by path (DefaultStateFile when empty).
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStateFile
	}
	return &FileStore{Path: path, newID: uuid.NewString}
}

// Load reads the state from disk. A missing file yields an empty current
// state, which is written immediately. Old layouts are migrated and saved back.
func (s *FileStore) Load(ctx context.Context) (models.TradeState, error) {
	var st models.TradeState
	if err := ctx.Err(); err != nil {
		return st, err
	}

	if _, err := os.Stat(s.Path); errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", s.Path).Msg("State file missing, generating template")
		st = models.TradeState{Version: CurrentVersion, Trades: []models.Trade{}, Archived: []models.Trade{}}
		return st, s.Save(ctx, st)
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return st, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return st, fmt.Errorf("read state file: %w", err)
	}

	if trimmed := strings.TrimSpace(string(b)); strings.HasPrefix(trimmed, "[") {
		st, err = decodeLegacy([]byte(trimmed))
	} else if trimmed == "" {
		st = models.TradeState{Version: CurrentVersion}
	} else {
		err = json.Unmarshal(b, &st)
	}
	if err != nil {
		return st, fmt.Errorf("decode state file %s: %w", s.Path, err)
	}

	if s.migrateState(&st) {
		log.Info().Str("version", st.Version).Msg("State migrated, saving")
		if err := s.Save(ctx, st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// migrateState handles schema evolution.
// Returns true if changes were made and the state needs to be saved.
func (s *FileStore) migrateState(st *models.TradeState) bool {
	updated := false

	// 1.0 -> 2.0: ids, status and a creation entry for converted records.
	if st.Version < "2.0" {
		log.Info().Msg("Migrating state schema from 1.0 to 2.0")
		for i := range st.Trades {
			t := &st.Trades[i]
			if t.ID == "" {
				t.ID = s.newID()
			}
			if t.Status == "" {
				t.Status = models.StatusPending
				if t.EntryTouched {
					t.Status = models.StatusActive
				}
			}
			if len(t.History) == 0 {
				t.History = []models.HistoryEntry{{
					Seq:    1,
					Kind:   models.KindCreated,
					At:     t.CreatedAt,
					Source: models.SourceAuto,
					Index:  -1,
					Note:   "migrated",
				}}
			}
		}
		st.Version = "2.0"
		updated = true
	}

	// 2.0 -> 2.1: explicit entry rule, archive list.
	if st.Version < "2.1" {
		log.Info().Msg("Migrating state schema from 2.0 to 2.1")
		for i := range st.Trades {
			if st.Trades[i].EntryRule == "" {
				st.Trades[i].EntryRule = models.EntryReach
			}
		}
		if st.Archived == nil {
			st.Archived = []models.Trade{}
		}
		st.Version = "2.1"
		updated = true
	}

	return updated
}

// Save writes the state using an atomic write pattern.
// 1. Write to a temporary file.
// 2. Sync to ensure data is on disk.
// 3. Rename temporary file to destination (atomic operation).
func (s *FileStore) Save(ctx context.Context, st models.TradeState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Version = CurrentVersion
	if st.LastSync == "" {
		st.LastSync = time.Now().UTC().Format(time.RFC3339)
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmpFile := s.Path + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp state file: %w", err)
	}

	// Close explicitly before renaming (essential on Windows)
	f.Close()

	if err := os.Rename(tmpFile, s.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// legacyTrade is one record of the 1.0 layout: a bare JSON array of calls.
type legacyTrade struct {
	OriginMessageID int               `json:"origin_message_id"`
	Pair            string            `json:"pair"`
	Side            string            `json:"side"`
	Entry           *decimal.Decimal  `json:"entry"`
	Entries         []decimal.Decimal `json:"entries"`
	SL              *decimal.Decimal  `json:"sl"`
	TPs             []decimal.Decimal `json:"tps"`
	HitTPs          []int             `json:"hit_tps"`
	HitEntries      []int             `json:"hit_entries"`
	SLNote          string            `json:"sl_note"`
	CreatedAt       string            `json:"created_at"`
}

func decodeLegacy(b []byte) (models.TradeState, error) {
	var raw []legacyTrade
	if err := json.Unmarshal(b, &raw); err != nil {
		return models.TradeState{}, err
	}

	st := models.TradeState{Version: "1.0", Trades: make([]models.Trade, 0, len(raw))}
	for i, lt := range raw {
		t, err := lt.convert()
		if err != nil {
			log.Warn().Err(err).Int("record", i).Str("pair", lt.Pair).Msg("Skipping legacy record")
			continue
		}
		st.Trades = append(st.Trades, t)
	}
	return st, nil
}

func (lt legacyTrade) convert() (models.Trade, error) {
	var t models.Trade

	entries := lt.Entries
	if len(entries) == 0 && lt.Entry != nil {
		entries = []decimal.Decimal{*lt.Entry}
	}
	if lt.Pair == "" || len(entries) == 0 || lt.SL == nil || len(lt.TPs) == 0 {
		return t, fmt.Errorf("incomplete record")
	}

	switch strings.ToUpper(lt.Side) {
	case "LONG", "BUY":
		t.Direction = models.Long
	case "SHORT", "SELL":
		t.Direction = models.Short
	default:
		return t, fmt.Errorf("unknown side %q", lt.Side)
	}

	t.Symbol = strings.ToUpper(lt.Pair)
	t.Entry = models.Entry{Low: entries[0], High: entries[0]}
	for _, e := range entries[1:] {
		t.Entry.Low = decimal.Min(t.Entry.Low, e)
		t.Entry.High = decimal.Max(t.Entry.High, e)
	}
	// The 1.0 tracker entered on a pullback into the zone.
	t.EntryRule = models.EntryLimit
	t.EntryTouched = len(lt.HitEntries) > 0
	t.StopLoss = *lt.SL
	t.SLAtBreakeven = lt.SLNote == "BE"
	t.OriginMessageID = lt.OriginMessageID

	for _, p := range lt.TPs {
		t.TakeProfits = append(t.TakeProfits, models.TakeProfit{Price: p})
	}
	for _, idx := range lt.HitTPs {
		if idx >= 0 && idx < len(t.TakeProfits) {
			t.TakeProfits[idx].Touched = true
		}
	}
	if t.EntryTouched || len(lt.HitTPs) > 0 {
		t.EntryTouched = true
	}

	if ts, err := time.Parse(time.RFC3339, lt.CreatedAt); err == nil {
		t.CreatedAt = ts.UTC()
	} else {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	return t, nil
}
