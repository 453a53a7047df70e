package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "ChaosCore/internal/errors"
)

const scoreColumns = `agent_id, overall, action_quality, verification, consistency, details, computed_at`

// MySQLStore 把评分历史写入 reputation_scores 表。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已打开的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, score Score) error {
	var details sql.NullString
	if len(score.Details) > 0 {
		raw, err := json.Marshal(score.Details)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码评分详情失败")
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	const stmt = `INSERT INTO reputation_scores (` + scoreColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		score.AgentID,
		score.Overall,
		score.Components.ActionQuality,
		score.Components.Verification,
		score.Components.Consistency,
		details,
		score.ComputedAt.UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信誉评分失败", xerrors.WithMetadata("agent_id", score.AgentID))
	}
	return nil
}

// Latest 实现 Store 接口。
func (s *MySQLStore) Latest(ctx context.Context, agentID string) (Score, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM reputation_scores WHERE agent_id = ? ORDER BY computed_at DESC, id DESC LIMIT 1`, agentID)
	score, err := scanScore(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Score{}, ErrScoreNotFound
		}
		return Score{}, err
	}
	return score, nil
}

// History 实现 Store 接口。
func (s *MySQLStore) History(ctx context.Context, agentID string, limit int) ([]Score, error) {
	query := `SELECT ` + scoreColumns + ` FROM reputation_scores WHERE agent_id = ? ORDER BY computed_at DESC, id DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// LatestAll 实现 Store 接口，每个智能体取的行与 Latest 的排序一致。
func (s *MySQLStore) LatestAll(ctx context.Context) ([]Score, error) {
	const query = `SELECT s.agent_id, s.overall, s.action_quality, s.verification, s.consistency, s.details, s.computed_at
        FROM reputation_scores s
        WHERE s.id = (SELECT r.id FROM reputation_scores r WHERE r.agent_id = s.agent_id
            ORDER BY r.computed_at DESC, r.id DESC LIMIT 1)`
	return s.query(ctx, query)
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) query(ctx context.Context, query string, args ...any) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询信誉评分失败")
	}
	defer rows.Close()

	var scores []Score
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历信誉评分失败")
	}
	return scores, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScore(row scanner) (Score, error) {
	var (
		score      Score
		details    sql.NullString
		computedAt int64
	)
	if err := row.Scan(
		&score.AgentID,
		&score.Overall,
		&score.Components.ActionQuality,
		&score.Components.Verification,
		&score.Components.Consistency,
		&details,
		&computedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Score{}, err
		}
		return Score{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取信誉评分失败")
	}
	score.ComputedAt = time.UnixMilli(computedAt).UTC()
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &score.Details); err != nil {
			return Score{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析评分详情失败")
		}
	}
	return score, nil
}

var _ Store = (*MySQLStore)(nil)
