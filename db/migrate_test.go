package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	scripts []string
	failOn  int
}

func (r *recordingExec) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.scripts = append(r.scripts, sql)
	if r.failOn > 0 && len(r.scripts) == r.failOn {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	return pgconn.CommandTag{}, nil
}

func TestMigrateAppliesEmbeddedScripts(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_escrow.sql", names[0])

	rec := &recordingExec{}
	require.NoError(t, Migrate(context.Background(), rec))
	require.Len(t, rec.scripts, len(names))
	assert.True(t, strings.Contains(rec.scripts[0], "CREATE TABLE IF NOT EXISTS milestones"))
	assert.True(t, strings.Contains(rec.scripts[0], "disputes_one_open_idx"))
}

func TestMigrateReportsFailingScript(t *testing.T) {
	rec := &recordingExec{failOn: 1}
	err := Migrate(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_escrow.sql")
}

func TestNewPoolRejectsEmptyDSN(t *testing.T) {
	_, err := NewPool(context.Background(), "", PoolOptions{})
	require.Error(t, err)
}
