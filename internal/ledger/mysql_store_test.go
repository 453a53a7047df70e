package ledger

import (
	"context"
	stdErrors "errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChaosCore/internal/errors"
)

var recordColumns = []string{
	"id", "agent_id", "action_type", "description", "data", "status", "attestation", "reason",
	"verifiers", "outcome", "onchain", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewMySQLStore(db), mock
}

func pendingRow(id string, created time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(recordColumns).AddRow(
		id, "agent-a", "analyze", "inspect pool", `{"pool":"eth"}`, "pending", nil, nil,
		`[]`, nil, nil, created.UnixMilli(), created.UnixMilli(),
	)
}

func TestMySQLStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_actions")).
		WithArgs("act-1", "agent-a", "analyze", "inspect pool", sqlmock.AnyArg(), "pending", "", "",
			"[]", sqlmock.AnyArg(), sqlmock.AnyArg(), now.UnixMilli(), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), &Record{Action: Action{
		ID:          "act-1",
		AgentID:     "agent-a",
		Type:        TypeAnalyze,
		Description: "inspect pool",
		Data:        map[string]any{"pool": "eth"},
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}})
	require.NoError(t, err)
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_actions")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := store.Create(context.Background(), &Record{Action: Action{ID: "act-1", Status: StatusPending}})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestMySQLStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(recordColumns).AddRow(
		"act-1", "agent-a", "analyze", "inspect pool", `{"pool":"eth"}`, "anchored", nil, nil,
		`["agent-b"]`, nil, `{"action_id":"act-1","tx_ref":"0xabc","block_ref":"7","timestamp":"2026-01-01T00:00:05Z","data_hash":"0x01","verifiers":["agent-b"]}`,
		created.UnixMilli(), created.Add(5*time.Second).UnixMilli(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_actions WHERE id = ?")).
		WithArgs("act-1").
		WillReturnRows(rows)

	rec, err := store.Get(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAnchored, rec.Action.Status)
	assert.Equal(t, map[string]any{"pool": "eth"}, rec.Action.Data)
	assert.Equal(t, []string{"agent-b"}, rec.Verifiers)
	assert.Nil(t, rec.Outcome)
	require.NotNil(t, rec.OnChain)
	assert.Equal(t, "0xabc", rec.OnChain.TxRef)
	assert.True(t, rec.Action.CreatedAt.Equal(created))
}

func TestMySQLStoreGetMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_actions WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrActionNotFound)
}

func TestMySQLStoreUpdateCommits(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = ? FOR UPDATE")).
		WithArgs("act-1").
		WillReturnRows(pendingRow("act-1", created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_actions SET status = ?")).
		WithArgs("verified", "", "", `["agent-b"]`, sqlmock.AnyArg(), sqlmock.AnyArg(), updated.UnixMilli(), "act-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Update(context.Background(), "act-1", func(rec *Record) error {
		rec.Action.Status = StatusVerified
		rec.Action.UpdatedAt = updated
		rec.Verifiers = append(rec.Verifiers, "agent-b")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, rec.Action.Status)
	assert.Equal(t, []string{"agent-b"}, rec.Verifiers)
}

func TestMySQLStoreUpdateRollsBackOnCallbackError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := stdErrors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("act-1").
		WillReturnRows(pendingRow("act-1", time.Now()))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "act-1", func(*Record) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestMySQLStoreListBuildsFilter(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE agent_id = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?")).
		WithArgs("agent-a", "pending", int64(10), 5).
		WillReturnRows(pendingRow("act-1", created))

	actions, err := store.List(context.Background(), Filter{AgentID: "agent-a", Status: StatusPending, Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "act-1", actions[0].ID)
}

func TestMySQLStoreCountsAndStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("JSON_CONTAINS(verifiers, JSON_QUOTE(?))")).
		WithArgs("agent-b").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("completed", 1))

	count, err := store.CountVerifiedBy(context.Background(), "agent-b")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Pending: 2, Completed: 1}, stats)
}
