package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-dispatch/internal/common/errors"
	"campaign-dispatch/internal/common/logger"
	"campaign-dispatch/internal/models"
)

func newCampaignStore(t *testing.T) (*CampaignStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCampaignStore(db, logger.NewNoOpLogger()), mock
}

func TestIncrementProcessedReturnsSnapshot(t *testing.T) {
	store, mock := newCampaignStore(t)

	mock.ExpectQuery(`UPDATE campaigns`).
		WithArgs("camp-1", 20).
		WillReturnRows(sqlmock.NewRows([]string{"processed_recipients", "total_recipients", "status"}).
			AddRow(40, 100, "running"))

	progress, err := store.IncrementProcessed(context.Background(), "camp-1", 20)
	require.NoError(t, err)
	assert.Equal(t, 40, progress.Processed)
	assert.Equal(t, 100, progress.Total)
	assert.Equal(t, models.CampaignStatusRunning, progress.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedRace(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "first caller wins", affected: 1, want: true},
		{name: "second caller loses", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newCampaignStore(t)
			mock.ExpectExec(`UPDATE campaigns SET status = 'completed'`).
				WithArgs("camp-1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			won, err := store.MarkCompleted(context.Background(), "camp-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, won)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestBeginDispatchOnlyOnce(t *testing.T) {
	store, mock := newCampaignStore(t)

	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := store.BeginDispatch(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.True(t, first)

	// a retried start job must not reset the counter again
	second, err := store.BeginDispatch(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusSameStatusIsNoOp(t *testing.T) {
	store, mock := newCampaignStore(t)

	// A campaign created directly in scheduled is launched with the status it
	// already has; the allowed set includes the target itself so the write
	// matches the row instead of failing the transition check.
	mock.ExpectExec(`UPDATE campaigns`).
		WithArgs("camp-1", "scheduled", pq.Array([]string{"draft", "scheduled"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateStatus(context.Background(), "camp-1", models.CampaignStatusScheduled)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	store, mock := newCampaignStore(t)

	mock.ExpectExec(`UPDATE campaigns`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WithArgs("camp-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := store.UpdateStatus(context.Background(), "camp-1", models.CampaignStatusCancelled)

	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, errors.ErrCodeIllegalTransition, stdErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCampaignNotFound(t *testing.T) {
	store, mock := newCampaignStore(t)

	mock.ExpectQuery(`SELECT .+ FROM campaigns`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "missing")

	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, errors.ErrCodeCampaignNotFound, stdErr.Code)
}

func TestCreateCampaignWithVariants(t *testing.T) {
	store, mock := newCampaignStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO campaigns`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO campaign_variants`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO campaign_variants`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Create(context.Background(), &models.Campaign{
		ID:       "camp-1",
		UserID:   "user-1",
		Name:     "spring promo",
		Schedule: models.Schedule{Type: models.ScheduleImmediate},
		Variants: []models.Variant{
			{Name: "A", Content: models.MessageContent{Body: "hi {{name}}", MessageType: "text"}},
			{Name: "B", Content: models.MessageContent{Body: "hello", MessageType: "text"}},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
