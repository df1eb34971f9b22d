package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

const tableName = "analysis_artifacts"

// dialect captures the few statements that differ between engines.
type dialect struct {
	placeholder func(n int) string
	quote       func(ident string) string
	upsertTail  string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		placeholder: func(int) string { return "?" },
		quote:       func(s string) string { return `"` + s + `"` },
		upsertTail: ` ON CONFLICT(entity_id, kind) DO UPDATE SET narrative = excluded.narrative,
			token_usage = excluded.token_usage, no_data = excluded.no_data, computed_at = excluded.computed_at`,
	},
	DriverPostgres: {
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		quote:       pq.QuoteIdentifier,
		upsertTail: ` ON CONFLICT (entity_id, kind) DO UPDATE SET narrative = EXCLUDED.narrative,
			token_usage = EXCLUDED.token_usage, no_data = EXCLUDED.no_data, computed_at = EXCLUDED.computed_at`,
	},
	DriverMySQL: {
		placeholder: func(int) string { return "?" },
		quote:       func(s string) string { return "`" + s + "`" },
		upsertTail: ` ON DUPLICATE KEY UPDATE narrative = VALUES(narrative),
			token_usage = VALUES(token_usage), no_data = VALUES(no_data), computed_at = VALUES(computed_at)`,
	},
}

// SQLStore persists artifacts in a relational database.
type SQLStore struct {
	db      *sql.DB
	driver  string
	dialect dialect
}

// MySQLDSN builds a DSN for the mysql driver.
func MySQLDSN(user, password, addr, database string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// OpenSQL connects to the database, verifies the connection and creates the
// artifacts table if needed.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entity_id VARCHAR(16) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		narrative TEXT NOT NULL,
		token_usage INTEGER NOT NULL,
		no_data INTEGER NOT NULL,
		computed_at BIGINT NOT NULL,
		PRIMARY KEY (entity_id, kind)
	)`, s.dialect.quote(tableName))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", tableName, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key types.AnalysisKey) (*types.Artifact, error) {
	q := fmt.Sprintf(`SELECT narrative, token_usage, no_data, computed_at FROM %s WHERE entity_id = %s AND kind = %s`,
		s.dialect.quote(tableName), s.dialect.placeholder(1), s.dialect.placeholder(2))

	var (
		a        = types.Artifact{Key: key}
		noData   int
		computed int64
	)
	err := s.db.QueryRowContext(ctx, q, key.EntityID, string(key.Kind)).Scan(&a.Narrative, &a.TokenUsage, &noData, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	a.NoData = noData != 0
	a.ComputedAt = time.UnixMilli(computed).UTC()
	return &a, nil
}

func (s *SQLStore) Put(ctx context.Context, a *types.Artifact) error {
	if err := a.Key.Validate(); err != nil {
		return err
	}

	ph := make([]any, 6)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	q := fmt.Sprintf(`INSERT INTO %s (entity_id, kind, narrative, token_usage, no_data, computed_at) VALUES (%s, %s, %s, %s, %s, %s)`,
		append([]any{s.dialect.quote(tableName)}, ph...)...) + s.dialect.upsertTail

	noData := 0
	if a.NoData {
		noData = 1
	}
	_, err := s.db.ExecContext(ctx, q,
		a.Key.EntityID, string(a.Key.Kind), a.Narrative, a.TokenUsage, noData, a.ComputedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", a.Key, err)
	}
	return nil
}

// Driver returns the configured driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Check pings the database; it backs the health endpoint.
func (s *SQLStore) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
