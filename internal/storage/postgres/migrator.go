package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var migrationScriptsFS embed.FS

// advisoryLockID сериализует прогон миграций между экземплярами сервиса
const advisoryLockID = int64(874202611)

const migrationScriptsGlob = "sql/migrations/*.sql"

const ensureMigrationsTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// migrationScript хранит пару up/down скриптов одной версии схемы
type migrationScript struct {
	version int64
	name    string
	up      string
	down    string
}

func (m migrationScript) label() string {
	return fmt.Sprintf("%d_%s", m.version, m.name)
}

// MigrateUp применяет недостающие up-миграции.
// steps=0 означает "применить все доступные".
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.runMigrations(ctx, func(ctx context.Context, conn *sql.Conn, scripts []migrationScript) error {
		return rollForward(ctx, conn, scripts, steps)
	})
}

// MigrateDown откатывает последние применённые миграции.
// steps<=0 интерпретируется как 1 шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.runMigrations(ctx, func(ctx context.Context, conn *sql.Conn, scripts []migrationScript) error {
		return rollBackward(ctx, conn, scripts, steps)
	})
}

// MigrationStatus возвращает текущую версию схемы и число применённых миграций
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("postgres store is not initialized")
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, ensureMigrationsTableDDL); err != nil {
		return 0, 0, fmt.Errorf("create schema_migrations table: %w", err)
	}

	var (
		version int64
		applied int
	)
	row := s.db.QueryRowContext(queryCtx, `SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`)
	if err := row.Scan(&version, &applied); err != nil {
		return 0, 0, fmt.Errorf("read schema_migrations: %w", err)
	}

	return version, applied, nil
}

// runMigrations выполняет fn под advisory lock на выделенном соединении
func (s *Store) runMigrations(ctx context.Context, fn func(context.Context, *sql.Conn, []migrationScript) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	scripts, err := loadMigrationScripts(migrationScriptsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", advisoryLockID)
	}()

	if _, err := conn.ExecContext(ctx, ensureMigrationsTableDDL); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	return fn(ctx, conn, scripts)
}

func rollForward(ctx context.Context, conn *sql.Conn, scripts []migrationScript, steps int) error {
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	done := 0
	for _, script := range scripts {
		if applied[script.version] {
			continue
		}
		if err := applyScript(ctx, conn, script, true); err != nil {
			return err
		}
		done++
		if steps > 0 && done >= steps {
			break
		}
	}

	return nil
}

func rollBackward(ctx context.Context, conn *sql.Conn, scripts []migrationScript, steps int) error {
	byVersion := make(map[int64]migrationScript, len(scripts))
	for _, script := range scripts {
		byVersion[script.version] = script
	}

	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT $1`, steps)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate applied migrations: %w", err)
	}

	for _, version := range versions {
		script, ok := byVersion[version]
		if !ok {
			return fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		if err := applyScript(ctx, conn, script, false); err != nil {
			return err
		}
	}

	return nil
}

// applyScript выполняет тело миграции и bookkeeping-запись в одной транзакции
func applyScript(ctx context.Context, conn *sql.Conn, script migrationScript, forward bool) error {
	direction := "up"
	body := script.up
	bookkeeping := `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`
	args := []interface{}{script.version, script.name}
	if !forward {
		direction = "down"
		body = script.down
		bookkeeping = `DELETE FROM schema_migrations WHERE version = $1`
		args = []interface{}{script.version}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s migration %s: %w", direction, script.label(), err)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute %s migration %s: %w", direction, script.label(), err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record %s migration %s: %w", direction, script.label(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, script.label(), err)
	}

	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}

	return applied, nil
}

// loadMigrationScripts собирает пары up/down из embedded каталога миграций
func loadMigrationScripts(fsys fs.FS) ([]migrationScript, error) {
	files, err := fs.Glob(fsys, migrationScriptsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migration files found")
	}

	byVersion := make(map[int64]*migrationScript)
	for _, file := range files {
		base := path.Base(file)
		version, name, direction, err := parseMigrationFilename(base)
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		script, ok := byVersion[version]
		if !ok {
			script = &migrationScript{version: version, name: name}
			byVersion[version] = script
		} else if script.name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, script.name, name)
		}

		switch direction {
		case "up":
			if script.up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %d", version)
			}
			script.up = body
		case "down":
			if script.down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %d", version)
			}
			script.down = body
		}
	}

	scripts := make([]migrationScript, 0, len(byVersion))
	for _, script := range byVersion {
		if script.up == "" || script.down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", script.label())
		}
		scripts = append(scripts, *script)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })

	return scripts, nil
}

// parseMigrationFilename разбирает имя вида 0001_create_products.up.sql
func parseMigrationFilename(base string) (int64, string, string, error) {
	stem, found := strings.CutSuffix(base, ".sql")
	if !found {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}

	dot := strings.LastIndex(stem, ".")
	if dot < 0 {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	direction := stem[dot+1:]
	if direction != "up" && direction != "down" {
		return 0, "", "", fmt.Errorf("unsupported migration direction in file: %s", base)
	}

	versionRaw, name, found := strings.Cut(stem[:dot], "_")
	if !found || name == "" {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err := strconv.ParseInt(versionRaw, 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("parse migration version from %s: %w", base, err)
	}

	return version, name, direction, nil
}
