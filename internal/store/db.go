// Package store is the document-warehouse adapter. It stands in for the
// Mongo collections named in spec.md §6 with a GORM/SQLite schema, the same
// substitution the teacher makes for its own relational data — including
// its tuning PRAGMAs (pkg/database/sqlite.go) and its "AutoMigrate then
// raw-SQL CREATE INDEX" bootstrap (cmd/server/main.go). Partial-unique
// indexes are expressed as SQLite partial indexes (`WHERE cdc <> ''`) since
// GORM has no portable primitive for them.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cuenly-ingest/internal/model"
)

func Init(dataDir string, log *zap.Logger) (*gorm.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "warehouse.db")
	dsn := buildSQLiteDSN(dbPath)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB handle: %w", err)
	}
	applySQLiteTuning(sqlDB)

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("document warehouse ready", zap.String("path", dbPath))
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.InvoiceHeader{},
		&model.InvoiceItem{},
		&model.EmailConfig{},
		&model.ProcessedEmailEntry{},
		&model.Subscription{},
		&model.PaymentMethod{},
		&model.SubscriptionTransaction{},
		&model.User{},
	); err != nil {
		return err
	}

	// Partial-unique index: at most one header per (tenant, cdc) for
	// non-empty cdc, per spec.md §3's invariant.
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_header_tenant_cdc_unique ON invoice_headers(tenant_id, cdc) WHERE cdc <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_header_tenant_message ON invoice_headers(tenant_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_header_tenant_fecha ON invoice_headers(tenant_id, fecha_emision DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_header_fuente ON invoice_headers(fuente)`,
		`CREATE INDEX IF NOT EXISTS idx_header_mes_proceso ON invoice_headers(mes_proceso)`,
		`CREATE INDEX IF NOT EXISTS idx_header_emisor_ruc ON invoice_headers(emisor_ruc)`,
		`CREATE INDEX IF NOT EXISTS idx_header_receptor_ruc ON invoice_headers(receptor_ruc)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_item_header_linea_unique ON invoice_items(header_id, linea)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_email_owner_username_unique ON email_configs(owner_email, username)`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %s: %w", stmt, err)
		}
	}
	return nil
}

func applySQLiteTuning(sqlDB *sql.DB) {
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA cache_size = -20000;",
		"PRAGMA wal_autocheckpoint = 1000;",
	}
	for _, q := range pragmas {
		_, _ = sqlDB.Exec(q)
	}
}

func buildSQLiteDSN(dbPath string) string {
	p := strings.TrimSpace(dbPath)
	if strings.Contains(p, "?") {
		return p
	}
	return p + "?" + strings.Join([]string{
		"_busy_timeout=5000",
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
	}, "&")
}

func newGormLogger(log *zap.Logger) gormlogger.Interface {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("CUENLY_DB_LOG_SQL")))
	lvl := gormlogger.Warn
	if mode == "1" || mode == "true" || mode == "yes" {
		lvl = gormlogger.Info
	}
	slowMs := 200
	if v := strings.TrimSpace(os.Getenv("CUENLY_DB_SLOW_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			slowMs = n
		}
	}
	return gormlogger.New(
		newStdAdapter(log),
		gormlogger.Config{
			SlowThreshold:             time.Duration(slowMs) * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
