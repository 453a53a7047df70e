package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChaosCore/internal/errors"
)

const actionColumns = `id, agent_id, action_type, description, data, status, attestation, reason,
        verifiers, outcome, onchain, created_at, updated_at`

// MySQLStore 使用 MySQL 保存账本。表结构由 deploy/migrations 维护。
// JSON 列中的数字在读回时统一为 float64。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已打开的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil || strings.TrimSpace(rec.Action.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "行为 ID 不能为空")
	}
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO ledger_actions (` + actionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		rec.Action.ID,
		rec.Action.AgentID,
		string(rec.Action.Type),
		rec.Action.Description,
		cols.data,
		string(rec.Action.Status),
		rec.Action.Attestation,
		rec.Action.Reason,
		cols.verifiers,
		cols.outcome,
		cols.onChain,
		rec.Action.CreatedAt.UnixMilli(),
		rec.Action.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "行为已存在", xerrors.WithMetadata("action_id", rec.Action.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入行为失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM ledger_actions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Update 在事务中以 SELECT ... FOR UPDATE 锁定单行后执行 fn 并写回。
func (s *MySQLStore) Update(ctx context.Context, id string, fn func(rec *Record) error) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM ledger_actions WHERE id = ? FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	cols, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}

	const stmt = `UPDATE ledger_actions SET status = ?, attestation = ?, reason = ?, verifiers = ?, outcome = ?, onchain = ?, updated_at = ?
        WHERE id = ?`
	if _, err := tx.ExecContext(ctx, stmt,
		string(rec.Action.Status),
		rec.Action.Attestation,
		rec.Action.Reason,
		cols.verifiers,
		cols.outcome,
		cols.onChain,
		rec.Action.UpdatedAt.UnixMilli(),
		id,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新行为失败", xerrors.WithMetadata("action_id", id))
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败", xerrors.WithMetadata("action_id", id))
	}
	return rec, nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, filter Filter) ([]*Action, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "action_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.Until.UnixMilli())
	}

	query := `SELECT ` + actionColumns + ` FROM ledger_actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := int64(filter.Limit)
		if limit <= 0 {
			// MySQL 不支持单独的 OFFSET。
			limit = 1<<63 - 1
		}
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	records, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	actions := make([]*Action, 0, len(records))
	for _, rec := range records {
		action := rec.Action
		actions = append(actions, &action)
	}
	return actions, nil
}

// AgentRecords 实现 Store 接口。
func (s *MySQLStore) AgentRecords(ctx context.Context, agentID string) ([]*Record, error) {
	return s.query(ctx, `SELECT `+actionColumns+` FROM ledger_actions WHERE agent_id = ? ORDER BY created_at ASC, id ASC`, agentID)
}

// CountVerifiedBy 实现 Store 接口。
func (s *MySQLStore) CountVerifiedBy(ctx context.Context, verifierID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_actions WHERE JSON_CONTAINS(verifiers, JSON_QUOTE(?))`, verifierID).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计验证次数失败")
	}
	return count, nil
}

// Stats 实现 Store 接口。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ledger_actions GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计行为失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.addN(Status(status), count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询行为失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历行为失败")
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                               Record
		actionType, status                string
		description, attestation, reason  sql.NullString
		data, verifiers, outcome, onChain sql.NullString
		createdAt, updatedAt              int64
	)
	if err := row.Scan(
		&rec.Action.ID,
		&rec.Action.AgentID,
		&actionType,
		&description,
		&data,
		&status,
		&attestation,
		&reason,
		&verifiers,
		&outcome,
		&onChain,
		&createdAt,
		&updatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取行为失败")
	}
	rec.Action.Type = ActionType(actionType)
	rec.Action.Status = Status(status)
	rec.Action.Description = description.String
	rec.Action.Attestation = attestation.String
	rec.Action.Reason = reason.String
	rec.Action.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.Action.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if err := decodeJSON(data, &rec.Action.Data); err != nil {
		return nil, err
	}
	if err := decodeJSON(verifiers, &rec.Verifiers); err != nil {
		return nil, err
	}
	if outcome.Valid && outcome.String != "" && outcome.String != "null" {
		rec.Outcome = &Outcome{}
		if err := decodeJSON(outcome, rec.Outcome); err != nil {
			return nil, err
		}
	}
	if onChain.Valid && onChain.String != "" && onChain.String != "null" {
		rec.OnChain = &OnChainRecord{}
		if err := decodeJSON(onChain, rec.OnChain); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

type encodedColumns struct {
	data      sql.NullString
	verifiers string
	outcome   sql.NullString
	onChain   sql.NullString
}

func encodeRecord(rec *Record) (encodedColumns, error) {
	var cols encodedColumns
	var err error
	if rec.Action.Data != nil {
		if cols.data, err = encodeJSON(rec.Action.Data); err != nil {
			return cols, err
		}
	}
	verifiers := rec.Verifiers
	if verifiers == nil {
		verifiers = []string{}
	}
	raw, err := json.Marshal(verifiers)
	if err != nil {
		return cols, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码验证者失败")
	}
	cols.verifiers = string(raw)
	if rec.Outcome != nil {
		if cols.outcome, err = encodeJSON(rec.Outcome); err != nil {
			return cols, err
		}
	}
	if rec.OnChain != nil {
		if cols.onChain, err = encodeJSON(rec.OnChain); err != nil {
			return cols, err
		}
	}
	return cols, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 JSON 列失败")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(value sql.NullString, target any) error {
	if !value.Valid || value.String == "" || value.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(value.String), target); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 JSON 列失败")
	}
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
