package merrygo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
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
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second

	// migrateModels are auto-migrated by CreateDB and initDB
	migrateModels = []any{
		&GuildConfig{},
		&CleanupCommand{},
		&DroppedMessage{},
		&AdminCredential{},
		&InteractionLog{},
	}
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// AdminCredential holds the argon2id password hash for an admin API user
type AdminCredential struct {
	ModelUintID
	ModelUnixTime
	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-" log:"[redacted]"`
}

// DBI defines the write operations used by the bot, to enable mocking
// of database operations in tests. When using sqlite, writes are
// serialized with a mutex.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
}

// database implements DBI
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI for the given connection. When
// enableConcurrentWrites is false, write operations hold a mutex.
func NewDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// begin locks the write mutex if needed and applies dbOperationTimeout
// when ctx has no deadline. The returned func must be called when the
// operation completes.
func (d *database) begin(ctx context.Context) (context.Context, func()) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
	}
	return ctx, func() {
		cancel()
		if !d.enableConcurrentWrites {
			d.mu.Unlock()
		}
	}
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (int64, error) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (int64, error) {
	ctx, done := d.begin(ctx)
	defer done()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	ctx, done := d.begin(ctx)
	defer done()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	ctx, done := d.begin(ctx)
	defer done()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens the database and migrates all models. It's used by
// the `init` command, prior to the bot ever running.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newHandler(slog.LevelWarn)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
	if err != nil {
		return db, err
	}

	if err = migrate(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(migrateModels...)
		},
	)
}

// getDB opens a GORM connection. databaseType must be 'sqlite' or
// 'postgres'. database is the connection string, or sqlite file path.
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
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
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

// initDB opens the configured database, applies sqlite connection
// settings and migrates all models
func (m *MerryGo) initDB(ctx context.Context) error {
	logger := loggerFrom(ctx, m.logger)

	gormLogger := newGORMLogger(
		newHandler(m.config.DatabaseLogLevel),
		m.config.DatabaseSlowThreshold,
	)
	db, err := getDB(m.config.DatabaseType, m.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if m.config.DatabaseType == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return fmt.Errorf("error getting database connection: %w", dbErr)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		logger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database")

	m.db = db
	m.writeDB = NewDatabase(db, m.logger, m.config.DatabaseType == dbTypePostgres)
	return nil
}
