package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/streamflow/config"
)

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestOpen_SQLite(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, db)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewPoolManager(t *testing.T) {
	pm, err := NewPoolManager(newSQLiteDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	assert.NotNil(t, pm.DB())
	assert.NoError(t, pm.Ping(context.Background()))
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), zap.NewNop())
	assert.Error(t, err)
}

func TestPoolManager_CloseIdempotent(t *testing.T) {
	pm, err := NewPoolManager(newSQLiteDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())
	assert.Error(t, pm.Ping(context.Background()))
}

func TestPoolManager_GetStats(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxOpenConns = 7
	pm, err := NewPoolManager(newSQLiteDB(t), cfg, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	stats := pm.GetStats()
	assert.Equal(t, 7, stats.MaxOpenConnections)
}

func TestPoolManager_WithTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	pm, err := NewPoolManager(db, DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec("UPDATE sf_session_archives SET status = ?", "finished").Error
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollback(t *testing.T) {
	db, mock := newMockDB(t)
	pm, err := NewPoolManager(db, DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err = pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	pm, err := NewPoolManager(newSQLiteDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	attempts := 0
	err = pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		if attempts < 2 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPoolManager_WithTransactionRetryGivesUp(t *testing.T) {
	pm, err := NewPoolManager(newSQLiteDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	err = pm.WithTransactionRetry(context.Background(), 2, func(tx *gorm.DB) error {
		return errors.New("deadlock detected")
	})
	assert.Error(t, err)
}

func TestPoolManager_WithTransactionNonRetryable(t *testing.T) {
	pm, err := NewPoolManager(newSQLiteDB(t), DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()

	attempts := 0
	err = pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		return errors.New("syntax error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Deadlock found when trying to get lock"), true},
		{errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("Lock wait timeout exceeded"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("syntax error at or near"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableError(tt.err), "err=%v", tt.err)
	}
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{
		MaxOpenConns:    50,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	assert.Equal(t, 50, pc.MaxOpenConns)
	assert.Equal(t, 5, pc.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, pc.ConnMaxLifetime)

	defaults := PoolConfigFrom(config.DatabaseConfig{})
	assert.Equal(t, DefaultPoolConfig().MaxOpenConns, defaults.MaxOpenConns)
}
