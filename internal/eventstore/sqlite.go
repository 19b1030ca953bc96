package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// eventRecord is the GORM model for the events table.
type eventRecord struct {
	ID        uint64    `gorm:"column:id;primaryKey"`
	Payload   string    `gorm:"column:payload;not null"`
	Type      string    `gorm:"column:type;not null"`
	Status    string    `gorm:"column:status;not null;default:'pending'"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (eventRecord) TableName() string { return "events" }

func (r eventRecord) toEvent() Event {
	return Event{
		ID:        r.ID,
		Payload:   r.Payload,
		Type:      r.Type,
		Status:    Status(r.Status),
		CreatedAt: r.CreatedAt,
	}
}

// SQLiteStore is the relational Store backend.
type SQLiteStore struct {
	// mu serializes fetch-and-mark against concurrent callers. SQLite already
	// allows only one writer, but the select+update pair must be one critical
	// section end to end.
	mu     sync.Mutex
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at dsn and returns the store.
// Call Create before using it.
func NewSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	// Open the connection manually via database/sql using the modernc driver
	// (registered as "sqlite"), then hand the existing *sql.DB to GORM so it
	// does not try to open a second connection with go-sqlite3.
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: failed to open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("eventstore: failed to initialize gorm with sqlite: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.Named("eventstore"),
	}, nil
}

// Create applies the embedded migrations and resets any event left in
// processing by a previous run back to pending.
func (s *SQLiteStore) Create(ctx context.Context) error {
	if err := s.runMigrations(); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("status = ?", StatusProcessing).
		Update("status", StatusPending)
	if res.Error != nil {
		return fmt.Errorf("eventstore: startup recovery: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("recovered in-flight events from previous run",
			zap.Int64("count", res.RowsAffected),
		)
	}
	return nil
}

func (s *SQLiteStore) runMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventstore: failed to create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(s.sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("eventstore: failed to create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("eventstore: failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventstore: failed to apply migrations: %w", err)
	}
	return nil
}

// Insert records a new pending event.
func (s *SQLiteStore) Insert(ctx context.Context, id uint64, payload, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&eventRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("eventstore: insert precheck: %w", err)
		}
		if count > 0 {
			return ErrDuplicateID
		}
		rec := eventRecord{
			ID:        id,
			Payload:   payload,
			Type:      eventType,
			Status:    string(StatusPending),
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("eventstore: insert: %w", err)
		}
		return nil
	})
}

// PendingCount returns the number of pending events.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("status = ?", StatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("eventstore: pending count: %w", err)
	}
	return int(count), nil
}

// FetchAndMarkPending selects up to limit oldest pending events and moves
// them to processing, all within one transaction under the store lock.
func (s *SQLiteStore) FetchAndMarkPending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []eventRecord
		if err := tx.
			Where("status = ?", StatusPending).
			Order("id ASC").
			Limit(limit).
			Find(&recs).Error; err != nil {
			return fmt.Errorf("eventstore: fetch pending: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}

		ids := make([]uint64, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		if err := tx.Model(&eventRecord{}).
			Where("id IN ?", ids).
			Update("status", StatusProcessing).Error; err != nil {
			return fmt.Errorf("eventstore: mark processing: %w", err)
		}

		out = make([]Event, len(recs))
		for i, r := range recs {
			r.Status = string(StatusProcessing)
			out[i] = r.toEvent()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus transitions the listed processing events to status. Ids that
// are unknown or not in processing are ignored.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, ids []uint64, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("id IN ? AND status = ?", ids, StatusProcessing).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("eventstore: update status: %w", res.Error)
	}
	if res.RowsAffected < int64(len(ids)) {
		s.logger.Debug("update status skipped unknown ids",
			zap.Int("requested", len(ids)),
			zap.Int64("updated", res.RowsAffected),
		)
	}
	return nil
}

// DeleteByStatus removes all events with the given status.
func (s *SQLiteStore) DeleteByStatus(ctx context.Context, status Status) error {
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Delete(&eventRecord{}).Error
	if err != nil {
		return fmt.Errorf("eventstore: delete by status: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.sqlDB.Close()
}
