package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/ampilares/selfhostsim/internal/platform/logger"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMigrations = []Migration{
	{Name: "0001_a.sql", SQL: "CREATE TABLE a (id INT)"},
	{Name: "0002_b.sql", SQL: "CREATE TABLE b (id INT)"},
}

func TestApplyMigrations_SkipsApplied(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	ctx := context.Background()

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)")).
		WithArgs("0001_a.sql").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mockPool.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)")).
		WithArgs("0002_b.sql").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mockPool.ExpectBegin()
	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (name) VALUES ($1)")).
		WithArgs("0002_b.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	applied, err := ApplyMigrations(ctx, mockPool, testMigrations, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestApplyMigrations_RollsBackOnFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	ctx := context.Background()

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("0001_a.sql").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mockPool.ExpectBegin()
	mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE a (id INT)")).WillReturnError(errors.New("syntax error"))
	mockPool.ExpectRollback()

	applied, err := ApplyMigrations(ctx, mockPool, testMigrations, logger.Discard())
	assert.Error(t, err)
	assert.Zero(t, applied)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
