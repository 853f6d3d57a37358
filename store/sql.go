package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	timewheel "github.com/KFCxMcDonalds/tieredtimer"
	"github.com/iancoleman/strcase"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // load the SQL driver for postgres
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // load the SQL driver for sqlite
)

//go:embed schema.sql
var schemaSQL string

// SQLStore implements every store contract on top of sqlite or postgres.
// Rows keep the indexed columns next to a JSON copy of the whole record.
type SQLStore struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

var _ Backend = (*SQLStore)(nil)

type taskRow struct {
	TaskID       string
	ClientID     string
	ExpirationMs int64
	Data         string
}

type deadLetterRow struct {
	ClientID   string
	TaskID     string
	FailedAtMs int64
	Data       string
}

type clientRow struct {
	ClientID string
	Data     string
}

func openSQLite(path string, busyTimeout time.Duration, logger logrus.FieldLogger) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if busyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	applyPragmas(db, pragmas, logger)

	return newSQLStore(db, logger)
}

// applyPragmas is best effort: the store still works without them, only
// slower or with more busy errors.
func applyPragmas(db *sqlx.DB, pragmas []string, logger logrus.FieldLogger) int {
	applied := 0
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("sqlite pragma not applied")
			continue
		}
		applied++
	}
	return applied
}

func openPostgres(dsn string, logger logrus.FieldLogger) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, logger)
}

func newSQLStore(db *sqlx.DB, logger logrus.FieldLogger) (*SQLStore, error) {
	// Maps struct names in CamelCase to snake without need for db struct tags.
	db.MapperFunc(strcase.ToSnake)
	s := &SQLStore{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %w", ErrStorage, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

const upsertTaskQuery = `INSERT INTO timer_tasks (task_id, client_id, expiration_ms, data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (task_id) DO UPDATE SET
	client_id = excluded.client_id, expiration_ms = excluded.expiration_ms, data = excluded.data`

func (s *SQLStore) Save(ctx context.Context, task timewheel.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(upsertTaskQuery), task.ID, task.ClientID, task.ExpirationMs, data)
	if err != nil {
		return storageErr("save task "+task.ID, err)
	}
	return nil
}

const selectDueTasksQuery = `SELECT task_id, client_id, expiration_ms, data
	FROM timer_tasks WHERE expiration_ms <= ? ORDER BY expiration_ms ASC`

func (s *SQLStore) FetchDueBefore(ctx context.Context, timestampMs int64) ([]timewheel.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectDueTasksQuery), timestampMs); err != nil {
		return nil, storageErr("fetch due tasks", err)
	}
	tasks := make([]timewheel.Task, 0, len(rows))
	for _, row := range rows {
		task, err := decodeTask(row.Data)
		if err != nil {
			// one corrupt record must not block recovery of the rest
			s.logger.WithError(err).WithField("task_id", row.TaskID).Warn("skipping unreadable task record")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

const selectTaskQuery = `SELECT task_id, client_id, expiration_ms, data FROM timer_tasks WHERE task_id = ?`

func (s *SQLStore) FindByID(ctx context.Context, taskID string) (timewheel.Task, bool, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(selectTaskQuery), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return timewheel.Task{}, false, nil
	}
	if err != nil {
		return timewheel.Task{}, false, storageErr("find task "+taskID, err)
	}
	task, err := decodeTask(row.Data)
	if err != nil {
		return timewheel.Task{}, false, storageErr("decode task "+taskID, err)
	}
	return task, true, nil
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM timer_tasks WHERE task_id = ?`), taskID)
	if err != nil {
		return storageErr("delete task "+taskID, err)
	}
	return nil
}

const upsertDeadLetterQuery = `INSERT INTO dead_letters (client_id, task_id, failed_at_ms, data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (client_id, task_id) DO UPDATE SET
	failed_at_ms = excluded.failed_at_ms, data = excluded.data`

func (s *SQLStore) SaveDeadLetter(ctx context.Context, entry DeadLetter) error {
	data, err := encodeDeadLetter(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(upsertDeadLetterQuery),
		entry.Task.ClientID, entry.Task.ID, entry.FailedAtMs, data)
	if err != nil {
		return storageErr("save dead letter "+entry.Task.ID, err)
	}
	return nil
}

const selectDeadLettersQuery = `SELECT client_id, task_id, failed_at_ms, data FROM dead_letters`

func (s *SQLStore) FindAllDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return s.selectDeadLetters(ctx, selectDeadLettersQuery+` ORDER BY failed_at_ms, task_id`)
}

func (s *SQLStore) FindDeadLettersByClient(ctx context.Context, clientID string) ([]DeadLetter, error) {
	return s.selectDeadLetters(ctx, selectDeadLettersQuery+` WHERE client_id = ? ORDER BY failed_at_ms, task_id`, clientID)
}

func (s *SQLStore) selectDeadLetters(ctx context.Context, query string, args ...any) ([]DeadLetter, error) {
	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, storageErr("select dead letters", err)
	}
	entries := make([]DeadLetter, 0, len(rows))
	for _, row := range rows {
		entry, err := decodeDeadLetter(row.Data)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"client_id": row.ClientID,
				"task_id":   row.TaskID,
			}).Warn("skipping unreadable dead letter record")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *SQLStore) FindDeadLetter(ctx context.Context, clientID, taskID string) (DeadLetter, bool, error) {
	var row deadLetterRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(selectDeadLettersQuery+` WHERE client_id = ? AND task_id = ?`), clientID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, false, nil
	}
	if err != nil {
		return DeadLetter{}, false, storageErr("find dead letter "+taskID, err)
	}
	entry, err := decodeDeadLetter(row.Data)
	if err != nil {
		return DeadLetter{}, false, storageErr("decode dead letter "+taskID, err)
	}
	return entry, true, nil
}

func (s *SQLStore) DeleteDeadLetter(ctx context.Context, clientID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM dead_letters WHERE client_id = ? AND task_id = ?`), clientID, taskID)
	if err != nil {
		return storageErr("delete dead letter "+taskID, err)
	}
	return nil
}

func (s *SQLStore) ClearDeadLetters(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`); err != nil {
		return storageErr("clear dead letters", err)
	}
	return nil
}

func (s *SQLStore) FindClient(ctx context.Context, clientID string) (Client, bool, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT client_id, data FROM clients WHERE client_id = ?`), clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, false, nil
	}
	if err != nil {
		return Client{}, false, storageErr("find client "+clientID, err)
	}
	c, err := decodeClient(row.Data)
	if err != nil {
		return Client{}, false, storageErr("decode client "+clientID, err)
	}
	return c, true, nil
}

func (s *SQLStore) SaveClient(ctx context.Context, client Client) error {
	data, err := encodeClient(client)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO clients (client_id, data) VALUES (?, ?)
		ON CONFLICT (client_id) DO UPDATE SET data = excluded.data`), client.ID, data)
	if err != nil {
		return storageErr("save client "+client.ID, err)
	}
	return nil
}
