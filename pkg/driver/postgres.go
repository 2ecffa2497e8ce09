package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// PostgresDriver implements Driver over database/sql with the pq driver.
type PostgresDriver struct {
	connectTimeout time.Duration
}

// NewPostgresDriver creates a PostgreSQL driver.
func NewPostgresDriver() *PostgresDriver {
	return &PostgresDriver{connectTimeout: 10 * time.Second}
}

// Connect opens a dedicated session. Each session owns its own *sql.DB capped
// at a single connection, so handles prepared through it stay pinned to one
// server backend.
func (d *PostgresDriver) Connect(ctx context.Context, url string) (Conn, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	connCtx := ctx
	if d.connectTimeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, d.connectTimeout)
		defer cancel()
	}

	conn, err := db.Conn(connCtx)
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "failed to establish session")
	}

	return &pgConn{db: db, conn: conn}, nil
}

// pgConn is one pinned PostgreSQL session.
type pgConn struct {
	db   *sql.DB
	conn *sql.Conn
}

func (c *pgConn) Prepare(ctx context.Context, query string) (Statement, error) {
	stmt, err := c.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeStatementFailed, "prepare failed")
	}
	return &pgStatement{stmt: stmt}, nil
}

func (c *pgConn) Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "query failed")
	}
	return materialize(rows)
}

func (c *pgConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "exec failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (c *pgConn) Begin(ctx context.Context, isolation models.IsolationLevel) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{Isolation: mapIsolation(isolation)})
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "begin failed")
	}
	return &pgTx{tx: tx}, nil
}

// AnalyzePlan runs EXPLAIN (ANALYZE, FORMAT JSON) and extracts cost, timing,
// and sequential-scan usage from the plan tree.
func (c *pgConn) AnalyzePlan(ctx context.Context, query string, args ...interface{}) (*PlanReport, error) {
	explain := "EXPLAIN (ANALYZE, FORMAT JSON) " + query

	var raw string
	if err := c.conn.QueryRowContext(ctx, explain, args...).Scan(&raw); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "plan analysis failed")
	}

	report := &PlanReport{Raw: raw}

	var parsed []struct {
		Plan map[string]interface{} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil && len(parsed) > 0 {
		if cost, ok := parsed[0].Plan["Total Cost"].(float64); ok {
			report.TotalCost = cost
		}
		if ms, ok := parsed[0].Plan["Actual Total Time"].(float64); ok {
			report.ActualTime = time.Duration(ms * float64(time.Millisecond))
		}
	}
	report.UsesSeqScan = strings.Contains(raw, "Seq Scan")

	return report, nil
}

func (c *pgConn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionFailed, "ping failed")
	}
	return nil
}

func (c *pgConn) Close() error {
	connErr := c.conn.Close()
	dbErr := c.db.Close()
	if connErr != nil {
		return pkgerrors.Wrap(connErr, pkgerrors.CodeConnectionFailed, "session close failed")
	}
	if dbErr != nil {
		return pkgerrors.Wrap(dbErr, pkgerrors.CodeConnectionFailed, "session close failed")
	}
	return nil
}

// pgStatement wraps a prepared *sql.Stmt.
type pgStatement struct {
	stmt *sql.Stmt
}

func (s *pgStatement) Query(ctx context.Context, args ...interface{}) (*models.ResultSet, error) {
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "prepared query failed")
	}
	return materialize(rows)
}

func (s *pgStatement) Exec(ctx context.Context, args ...interface{}) (int64, error) {
	res, err := s.stmt.ExecContext(ctx, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "prepared exec failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (s *pgStatement) Close() error {
	return s.stmt.Close()
}

// pgTx wraps an open *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Query(ctx context.Context, query string, args ...interface{}) (*models.ResultSet, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "query failed")
	}
	return materialize(rows)
}

func (t *pgTx) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "exec failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

func (t *pgTx) Savepoint(ctx context.Context, name string) error {
	if err := validateSavepointName(name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "savepoint failed")
	}
	return nil
}

func (t *pgTx) RollbackTo(ctx context.Context, name string) error {
	if err := validateSavepointName(name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "rollback to savepoint failed")
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "commit failed")
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return pkgerrors.Wrap(err, pkgerrors.CodeTransactionFailed, "rollback failed")
	}
	return nil
}

// validateSavepointName rejects names that cannot be safely interpolated.
// Savepoint names are generated internally (sp_<i>) but the check guards
// against misuse of the Tx interface.
func validateSavepointName(name string) error {
	if name == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidRequest, "savepoint name cannot be empty")
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return pkgerrors.New(pkgerrors.CodeInvalidRequest,
				fmt.Sprintf("invalid savepoint name %q", name))
		}
	}
	return nil
}

// materialize drains rows into an in-memory result set and closes them.
func materialize(rows *sql.Rows) (*models.ResultSet, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "failed to read columns")
	}

	result := &models.ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "row scan failed")
		}
		// pq hands back []byte for text columns; normalize to string so
		// results are comparable and cacheable.
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeQueryFailed, "row iteration failed")
	}

	return result, nil
}

func mapIsolation(level models.IsolationLevel) sql.IsolationLevel {
	switch level {
	case models.IsolationSerializable:
		return sql.LevelSerializable
	case models.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case models.IsolationReadCommitted:
		return sql.LevelReadCommitted
	default:
		return sql.LevelDefault
	}
}
