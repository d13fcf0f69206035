package statestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("state_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("state_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("state_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("state_store.unsupported_no_scheme")
)

// DatabaseStore persists state in PostgreSQL or SQLite using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	pool        *pgxpool.Pool
	driverLabel string
	now         func() time.Time
}

type stateEntryRecord struct {
	EntryKey    string `gorm:"column:entry_key;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;index;not null;default:0"`
}

func (stateEntryRecord) TableName() string {
	return "state_entries"
}

type stateHashFieldRecord struct {
	HashKey string `gorm:"column:hash_key;primaryKey"`
	Field   string `gorm:"column:field;primaryKey"`
	Value   string `gorm:"column:value;not null"`
}

func (stateHashFieldRecord) TableName() string {
	return "state_hash_fields"
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// NewDatabaseStore opens the database described by databaseURL and migrates its tables.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("state_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, pool, err := resolveDialector(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("state_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&stateEntryRecord{}, &stateHashFieldRecord{}); migrateErr != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("state_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		pool:        pool,
		driverLabel: driverLabel,
		now:         time.Now,
	}, nil
}

// Get returns the unexpired value stored under key.
func (store *DatabaseStore) Get(ctx context.Context, key string) (string, error) {
	var record stateEntryRecord
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Take(&record).Error
	if err != nil {
		return "", store.wrap("get", err)
	}
	if store.expired(record) {
		return "", fmt.Errorf("state_store.get.%s: %w", store.driverLabel, ErrNotFound)
	}
	return record.Value, nil
}

// Set upserts value under key and opportunistically purges expired rows.
func (store *DatabaseStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("state_store.set.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	now := store.now().UTC()
	record := stateEntryRecord{EntryKey: key, Value: value}
	if ttl > 0 {
		record.ExpiresUnix = now.Add(ttl).Unix()
	}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if purgeErr := tx.Where("expires_unix > 0 AND expires_unix <= ?", now.Unix()).Delete(&stateEntryRecord{}).Error; purgeErr != nil {
			return purgeErr
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_unix"}),
		}).Create(&record).Error
	})
	if err != nil {
		return store.wrap("set", err)
	}
	return nil
}

// GetAndDelete reads and removes key inside one transaction. The delete's row
// count decides the winner when two callers race on the same key.
func (store *DatabaseStore) GetAndDelete(ctx context.Context, key string) (string, error) {
	var (
		value   string
		expired bool
	)
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record stateEntryRecord
		if takeErr := tx.Where("entry_key = ?", key).Take(&record).Error; takeErr != nil {
			return takeErr
		}
		result := tx.Where("entry_key = ?", key).Delete(&stateEntryRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		value = record.Value
		expired = store.expired(record)
		return nil
	})
	if err != nil {
		return "", store.wrap("get_and_delete", err)
	}
	if expired {
		return "", fmt.Errorf("state_store.get_and_delete.%s: %w", store.driverLabel, ErrNotFound)
	}
	return value, nil
}

// Delete removes key. Missing keys are not an error.
func (store *DatabaseStore) Delete(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&stateEntryRecord{}).Error; err != nil {
		return store.wrap("delete", err)
	}
	return nil
}

// HashSet upserts every field of the hash stored under key in one statement.
func (store *DatabaseStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return fmt.Errorf("state_store.hash_set.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	if len(fields) == 0 {
		return nil
	}
	records := make([]stateHashFieldRecord, 0, len(fields))
	for field, value := range fields {
		records = append(records, stateHashFieldRecord{HashKey: key, Field: field, Value: value})
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash_key"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&records).Error
	if err != nil {
		return store.wrap("hash_set", err)
	}
	return nil
}

// HashGet returns one field of the hash stored under key.
func (store *DatabaseStore) HashGet(ctx context.Context, key string, field string) (string, error) {
	var record stateHashFieldRecord
	err := store.db.WithContext(ctx).Where("hash_key = ? AND field = ?", key, field).Take(&record).Error
	if err != nil {
		return "", store.wrap("hash_get", err)
	}
	return record.Value, nil
}

// HashGetAll returns every field of the hash stored under key.
func (store *DatabaseStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	var records []stateHashFieldRecord
	if err := store.db.WithContext(ctx).Where("hash_key = ?", key).Find(&records).Error; err != nil {
		return nil, store.wrap("hash_get_all", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("state_store.hash_get_all.%s: %w", store.driverLabel, ErrNotFound)
	}
	values := make(map[string]string, len(records))
	for _, record := range records {
		values[record.Field] = record.Value
	}
	return values, nil
}

// HashDelete removes every field of the hash stored under key.
func (store *DatabaseStore) HashDelete(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("hash_key = ?", key).Delete(&stateHashFieldRecord{}).Error; err != nil {
		return store.wrap("hash_delete", err)
	}
	return nil
}

// Ping checks database connectivity.
func (store *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return store.wrap("ping", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle and, for PostgreSQL, the pgx pool behind it.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return store.wrap("close", err)
	}
	closeErr := sqlDB.Close()
	if store.pool != nil {
		store.pool.Close()
	}
	return closeErr
}

func (store *DatabaseStore) expired(record stateEntryRecord) bool {
	return record.ExpiresUnix > 0 && record.ExpiresUnix <= store.now().UTC().Unix()
}

func (store *DatabaseStore) wrap(operation string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("state_store.%s.%s: %w", operation, store.driverLabel, ErrNotFound)
	}
	return fmt.Errorf("state_store.%s.%s: %w", operation, store.driverLabel, err)
}

func resolveDialector(ctx context.Context, databaseURL string) (gorm.Dialector, string, *pgxpool.Pool, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", nil, fmt.Errorf("state_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", nil, fmt.Errorf("state_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		pool, poolErr := BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, "", nil, fmt.Errorf("state_store.postgres.pool: %w", poolErr)
		}
		return postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), "postgres", pool, nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", nil, fmt.Errorf("state_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil, nil
	default:
		return nil, "", nil, fmt.Errorf("state_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
