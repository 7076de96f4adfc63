// Package sqlstore 提供基于 database/sql + modernc.org/sqlite 的持久化
// saga.Store 实现。版本校验与“先查当前版本再比较”的 CAS 模式照搬自
// eventing/store/sql 的 AppendEventsWithDB：先在同一原子操作里比较版本，
// 不匹配就翻译成 saga.ErrConcurrencyConflict；唯一约束冲突的检测同样
// 借用字符串匹配（SQLite 报 "UNIQUE constraint failed"）。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sagarun/saga"
)

// Store 是 SQLite 版的 saga.Store；单个表承载所有 Saga 类型的实例，
// 以 (saga_name, saga_id) 为主键，(saga_name, correlation_id) 上有唯一
// 索引以支撑关联查找。
type Store struct {
	db    *sql.DB
	table string
}

// Open 打开（或新建）一个 SQLite 数据库文件并确保表结构存在；
// dsn 可以是文件路径或 ":memory:"。
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	s := New(db, table)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New 包装一个已经打开的 *sql.DB；调用方负责其生命周期。table 为空时
// 使用默认名 "saga_state"。
func New(db *sql.DB, table string) *Store {
	if table == "" {
		table = "saga_state"
	}
	return &Store{db: db, table: table}
}

// EnsureSchema 建表（幂等，IF NOT EXISTS）。
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		saga_name TEXT NOT NULL,
		saga_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		is_completed INTEGER NOT NULL,
		timeout_at TEXT,
		timeout_duration_ms INTEGER NOT NULL DEFAULT 0,
		annotations TEXT,
		data TEXT NOT NULL,
		PRIMARY KEY (saga_name, saga_id)
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlstore: create table: %w", err)
	}
	idx := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_correlation_idx ON %s (saga_name, correlation_id)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("sqlstore: create index: %w", err)
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

func rowToState(scan func(dest ...any) error) (*saga.State, error) {
	var (
		sagaName, sagaID, correlationID string
		version                         uint64
		createdAt, updatedAt            time.Time
		isCompleted                     bool
		timeoutAt                       sql.NullString
		timeoutDurationMs               int64
		annotations                     sql.NullString
		data                            string
	)
	if err := scan(&sagaName, &sagaID, &correlationID, &version, &createdAt, &updatedAt, &isCompleted, &timeoutAt, &timeoutDurationMs, &annotations, &data); err != nil {
		return nil, err
	}

	st := &saga.State{
		SagaName:      sagaName,
		SagaID:        sagaID,
		CorrelationID: correlationID,
		Data:          json.RawMessage(data),
		Metadata: saga.Metadata{
			SagaID:            sagaID,
			Version:           version,
			CreatedAt:         createdAt,
			UpdatedAt:         updatedAt,
			IsCompleted:       isCompleted,
			TimeoutDurationMs: timeoutDurationMs,
		},
	}
	if timeoutAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, timeoutAt.String)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: parse timeout_at: %w", err)
		}
		st.Metadata.TimeoutAt = &t
	}
	if annotations.Valid && annotations.String != "" {
		m := make(map[string]string)
		if err := json.Unmarshal([]byte(annotations.String), &m); err != nil {
			return nil, fmt.Errorf("sqlstore: parse annotations: %w", err)
		}
		st.Metadata.Annotations = m
	}
	return st, nil
}

const selectColumns = `saga_name, saga_id, correlation_id, version, created_at, updated_at, is_completed, timeout_at, timeout_duration_ms, annotations, data`

// LoadByCorrelation 按 (sagaName, correlationId) 查找；未命中返回 (nil, nil)。
func (s *Store) LoadByCorrelation(ctx context.Context, sagaName, correlationID string) (*saga.State, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE saga_name = ? AND correlation_id = ?", selectColumns, s.table)
	row := s.db.QueryRowContext(ctx, q, sagaName, correlationID)
	st, err := rowToState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// LoadByID 按 (sagaName, sagaId) 查找；未命中返回 (nil, nil)。
func (s *Store) LoadByID(ctx context.Context, sagaName, sagaID string) (*saga.State, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE saga_name = ? AND saga_id = ?", selectColumns, s.table)
	row := s.db.QueryRowContext(ctx, q, sagaName, sagaID)
	st, err := rowToState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func encodeAnnotations(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func timeoutAtColumn(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// Insert 创建新实例；(sagaName, sagaId) 或 (sagaName, correlationId) 已
// 存在时返回 saga.ErrAlreadyExists。
func (s *Store) Insert(ctx context.Context, state *saga.State) error {
	annotations, err := encodeAnnotations(state.Metadata.Annotations)
	if err != nil {
		return fmt.Errorf("sqlstore: encode annotations: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO %s (saga_name, saga_id, correlation_id, version, created_at, updated_at, is_completed, timeout_at, timeout_duration_ms, annotations, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		state.SagaName, state.SagaID, state.CorrelationID, state.Metadata.Version,
		state.Metadata.CreatedAt, state.Metadata.UpdatedAt, state.Metadata.IsCompleted,
		timeoutAtColumn(state.Metadata.TimeoutAt), state.Metadata.TimeoutDurationMs,
		annotations, string(state.Data))
	if err != nil {
		if isDuplicateKeyError(err) {
			return saga.ErrAlreadyExists
		}
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	return nil
}

// Update 以乐观并发方式更新：UPDATE ... WHERE saga_name=? AND saga_id=?
// AND version=?；RowsAffected()==0 时区分“记录不存在”与“版本不匹配”，
// 与 eventing/store/sql 的 getCurrentVersion-then-compare 思路一致，只是
// 把比较内联进了 UPDATE 的 WHERE 子句里，省掉一次往返。
func (s *Store) Update(ctx context.Context, state *saga.State, expectedVersion uint64) error {
	annotations, err := encodeAnnotations(state.Metadata.Annotations)
	if err != nil {
		return fmt.Errorf("sqlstore: encode annotations: %w", err)
	}

	q := fmt.Sprintf(`UPDATE %s SET version = ?, updated_at = ?, is_completed = ?, timeout_at = ?, timeout_duration_ms = ?, annotations = ?, data = ?
		WHERE saga_name = ? AND saga_id = ? AND version = ?`, s.table)
	res, err := s.db.ExecContext(ctx, q,
		state.Metadata.Version, state.Metadata.UpdatedAt, state.Metadata.IsCompleted,
		timeoutAtColumn(state.Metadata.TimeoutAt), state.Metadata.TimeoutDurationMs,
		annotations, string(state.Data),
		state.SagaName, state.SagaID, expectedVersion)
	if err != nil {
		return fmt.Errorf("sqlstore: update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, loadErr := s.LoadByID(ctx, state.SagaName, state.SagaID)
	if loadErr != nil {
		return loadErr
	}
	if current == nil {
		return saga.ErrNotFound
	}
	return saga.NewConcurrencyConflictError(state.SagaName, state.SagaID, expectedVersion, current.Metadata.Version)
}

// Delete 删除实例；幂等。
func (s *Store) Delete(ctx context.Context, sagaName, sagaID string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE saga_name = ? AND saga_id = ?", s.table)
	_, err := s.db.ExecContext(ctx, q, sagaName, sagaID)
	if err != nil {
		return fmt.Errorf("sqlstore: delete: %w", err)
	}
	return nil
}

// SweepTimeouts 返回某个 Saga 类型下所有尚未完成、带超时截止时间的实例。
func (s *Store) SweepTimeouts(ctx context.Context, sagaName string) ([]*saga.State, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE saga_name = ? AND is_completed = 0 AND timeout_at IS NOT NULL", selectColumns, s.table)
	rows, err := s.db.QueryContext(ctx, q, sagaName)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sweep: %w", err)
	}
	defer rows.Close()

	var out []*saga.State
	for rows.Next() {
		st, err := rowToState(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	return s.db.Close()
}

var _ saga.Store = (*Store)(nil)
var _ saga.SweepableStore = (*Store)(nil)
