package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"choreline/internal/domain"
)

func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNextDaily(t *testing.T) {
	due := at(2024, 3, 10, 18, 0)
	occ, err := Next(domain.Recurrence{Frequency: domain.FrequencyDaily}, due, at(2024, 3, 10, 19, 0), 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 11, 18, 0), occ.Due)
	assert.Nil(t, occ.WindowStart)
}

func TestNextCatchesUpPastReference(t *testing.T) {
	due := at(2024, 3, 1, 8, 0)
	occ, err := Next(domain.Recurrence{Frequency: domain.FrequencyDaily}, due, at(2024, 3, 20, 9, 0), 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 21, 8, 0), occ.Due)
}

func TestNextWeeklyAndBiweekly(t *testing.T) {
	due := at(2024, 3, 4, 8, 0)
	occ, err := Next(domain.Recurrence{Frequency: domain.FrequencyWeekly}, due, due, 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 11, 8, 0), occ.Due)

	occ, err = Next(domain.Recurrence{Frequency: domain.FrequencyBiweekly}, due, due, 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 18, 8, 0), occ.Due)
}

func TestNextMonthlyClampsWithoutDrift(t *testing.T) {
	rec := domain.Recurrence{Frequency: domain.FrequencyMonthly}
	due := at(2024, 1, 31, 12, 0)
	occ, err := Next(rec, due, due, 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 2, 29, 12, 0), occ.Due)

	occ, err = Next(rec, due, at(2024, 3, 1, 0, 0), 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 31, 12, 0), occ.Due)
}

func TestNextCustomUnits(t *testing.T) {
	due := at(2024, 3, 1, 8, 0)
	cases := []struct {
		unit domain.IntervalUnit
		want time.Time
	}{
		{domain.UnitHours, at(2024, 3, 1, 14, 0)},
		{domain.UnitDays, at(2024, 3, 7, 8, 0)},
		{domain.UnitWeeks, at(2024, 4, 12, 8, 0)},
		{domain.UnitMonths, at(2024, 9, 1, 8, 0)},
	}
	for _, tc := range cases {
		occ, err := Next(domain.Recurrence{Frequency: domain.FrequencyCustom, Interval: 6, Unit: tc.unit}, due, due, 0, time.UTC)
		require.NoError(t, err, tc.unit)
		assert.Equal(t, tc.want, occ.Due, tc.unit)
	}
}

func TestNextCustomRequiresInterval(t *testing.T) {
	due := at(2024, 3, 1, 8, 0)
	_, err := Next(domain.Recurrence{Frequency: domain.FrequencyCustom, Unit: domain.UnitDays}, due, due, 0, time.UTC)
	assert.Error(t, err)
}

func TestNextNoneHasNoOccurrence(t *testing.T) {
	due := at(2024, 3, 1, 8, 0)
	_, err := Next(domain.Recurrence{Frequency: domain.FrequencyNone}, due, due, 0, time.UTC)
	assert.ErrorIs(t, err, ErrNoOccurrence)
}

func TestNextSnapsToApplicableDays(t *testing.T) {
	// 2024-03-08 is a Friday; next applicable Monday is 03-11.
	due := at(2024, 3, 7, 18, 0)
	rec := domain.Recurrence{Frequency: domain.FrequencyDaily, ApplicableDays: []time.Weekday{time.Monday, time.Wednesday}}
	occ, err := Next(rec, due, due, 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 11, 18, 0), occ.Due)
}

func TestNextForUsesAssigneeOverride(t *testing.T) {
	due := at(2024, 3, 7, 18, 0)
	rec := domain.Recurrence{
		Frequency:      domain.FrequencyDaily,
		ApplicableDays: []time.Weekday{time.Monday},
		PerAssignee: map[string]domain.AssigneeSchedule{
			"bob": {ApplicableDays: []time.Weekday{time.Saturday}},
		},
	}
	occ, err := NextFor(rec, "bob", due, due, 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 9, 18, 0), occ.Due)

	occ, err = NextFor(rec, "alice", due, due, 0, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at(2024, 3, 11, 18, 0), occ.Due)
}

func TestNextComputesWindowStart(t *testing.T) {
	due := at(2024, 3, 1, 18, 0)
	occ, err := Next(domain.Recurrence{Frequency: domain.FrequencyDaily}, due, due, 2*time.Hour, time.UTC)
	require.NoError(t, err)
	require.NotNil(t, occ.WindowStart)
	assert.Equal(t, at(2024, 3, 2, 16, 0), *occ.WindowStart)
}

func TestNextKeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	due := time.Date(2024, 3, 30, 18, 0, 0, 0, loc)
	occ, err := Next(domain.Recurrence{Frequency: domain.FrequencyDaily}, due, due, 0, loc)
	require.NoError(t, err)
	assert.Equal(t, 18, occ.Due.Hour())
	assert.Equal(t, 31, occ.Due.Day())
}

func TestCrossedMidnight(t *testing.T) {
	assert.True(t, CrossedMidnight(at(2024, 3, 1, 23, 0), at(2024, 3, 2, 0, 5), time.UTC))
	assert.True(t, CrossedMidnight(at(2024, 3, 1, 23, 0), at(2024, 3, 2, 0, 0), time.UTC))
	assert.False(t, CrossedMidnight(at(2024, 3, 2, 0, 0), at(2024, 3, 2, 10, 0), time.UTC))
	assert.False(t, CrossedMidnight(at(2024, 3, 2, 10, 0), at(2024, 3, 2, 9, 0), time.UTC))
}
