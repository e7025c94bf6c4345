package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/common/logger"
)

func newSignalStore(t *testing.T) (*SignalStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSignalStore(db, logger.NewNoOpLogger()), mock
}

func TestAccountAge(t *testing.T) {
	store, mock := newSignalStore(t)
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	mock.ExpectQuery(`SELECT created_at FROM accounts`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).
			AddRow(now.Add(-45 * 24 * time.Hour)))

	age, err := store.AccountAge(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 45*24*time.Hour, age)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountAgeUnknownUser(t *testing.T) {
	store, mock := newSignalStore(t)

	mock.ExpectQuery(`SELECT created_at FROM accounts`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	_, err := store.AccountAge(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestFailureRate(t *testing.T) {
	tests := []struct {
		name      string
		failed    int64
		attempted int64
		want      float64
	}{
		{name: "mixed history", failed: 6, attempted: 100, want: 0.06},
		{name: "clean history", failed: 0, attempted: 50, want: 0},
		{name: "no attempts", failed: 0, attempted: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newSignalStore(t)
			mock.ExpectQuery(`FROM campaign_recipients r`).
				WithArgs("user-1").
				WillReturnRows(sqlmock.NewRows([]string{"failed", "attempted"}).
					AddRow(tt.failed, tt.attempted))

			rate, err := store.FailureRate(context.Background(), "user-1")
			require.NoError(t, err)
			assert.InDelta(t, tt.want, rate, 1e-9)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
