package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = full;",
		"pragma temp_store = memory;",
	}
)

// GuildConfigRecord is the database row holding a guild's config. The
// config itself is stored as a JSON document, the same as the file store.
type GuildConfigRecord struct {
	GuildID   string `gorm:"primaryKey" json:"guild_id"`
	Payload   string `gorm:"type:text;not null" json:"payload"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (GuildConfigRecord) TableName() string {
	return "guild_configs"
}

// DBRecordStore is a RecordStore backed by sqlite or postgres
type DBRecordStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDBRecordStore returns a DBRecordStore using the given connection.
// The table must already exist (see CreateDB).
func NewDBRecordStore(db *gorm.DB, logger *slog.Logger) *DBRecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBRecordStore{
		db:     db,
		logger: logger.With(loggerNameKey, "db_record_store"),
	}
}

func (s *DBRecordStore) Load(ctx context.Context, guildID string) ([]byte, error) {
	var rec GuildConfigRecord
	err := s.db.WithContext(ctx).Take(&rec, "guild_id = ?", guildID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConfigMissing
		}
		return nil, err
	}
	return []byte(rec.Payload), nil
}

func (s *DBRecordStore) Save(ctx context.Context, guildID string, data []byte) error {
	rec := GuildConfigRecord{GuildID: guildID, Payload: string(data)}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
		},
	).Create(&rec).Error
}

func (s *DBRecordStore) Remove(ctx context.Context, guildID string) error {
	return s.db.WithContext(ctx).Delete(&GuildConfigRecord{}, "guild_id = ?", guildID).Error
}

// CreateDB opens the database and migrates the guild config table.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
//   - handler: The log handler used for the gorm logger.
//   - slowThreshold: Queries slower than this are logged as warnings.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return nil, fmt.Errorf("error getting database connection: %w", e)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&GuildConfigRecord{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
