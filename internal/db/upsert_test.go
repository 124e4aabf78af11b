package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var leadInsert = InsertConfig{
	Table:        "leads",
	Columns:      []string{"id", "account_id", "title"},
	ConflictKeys: []string{"account_id", "title"},
}

func TestInsertIgnore_EmptyRows(t *testing.T) {
	n, err := InsertIgnore(context.Background(), nil, leadInsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInsertIgnore_NoColumns(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, InsertConfig{
		Table:        "leads",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestInsertIgnore_NoConflictKeys(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, InsertConfig{
		Table:   "leads",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestInsertIgnore_RowWidthMismatch(t *testing.T) {
	_, err := InsertIgnore(context.Background(), nil, leadInsert, [][]any{{"1", "acct"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 2 values")
}

func TestInsertIgnore_Exec(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "leads" ("id", "account_id", "title") VALUES ($1, $2, $3), ($4, $5, $6) ON CONFLICT ("account_id", "title") DO NOTHING`).
		WithArgs("l1", "acct", "First", "l2", "acct", "Second").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := InsertIgnore(context.Background(), mock, leadInsert, [][]any{
		{"l1", "acct", "First"},
		{"l2", "acct", "Second"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"leads"`, sanitizeTable("leads"))
	assert.Equal(t, `"public"."leads"`, sanitizeTable("public.leads"))
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
