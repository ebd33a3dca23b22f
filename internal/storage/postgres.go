package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	logx "notifyd/pkg/logx"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

const pgUniqueViolation = "23505"

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: sq.Dollar,
	isConflict:  isPostgresConflict,
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := migratePostgres(db.DB, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres store ready")
	return newSQLStore(db, postgresDialect, log), nil
}

// migratePostgres applies embedded migrations. The migrate instance is not
// closed because that would close db as well.
func migratePostgres(db *sql.DB, log logx.Logger) error {
	src, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if v, dirty, err := m.Version(); err == nil {
		log.Debug("postgres schema version", logx.Int64("version", int64(v)), logx.Bool("dirty", dirty))
	}
	return nil
}

func isPostgresConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
