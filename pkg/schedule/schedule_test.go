package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	s := Every(6 * time.Hour)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), next2)
}

func TestParse_EveryDescriptor(t *testing.T) {
	s, err := Parse("@every 6h")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(6*time.Hour), s.Next(start))
}

func TestParse_CronExpression(t *testing.T) {
	s, err := Parse("0 */6 * * *")
	require.NoError(t, err)

	from := time.Date(2024, 1, 1, 7, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), s.Next(from))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not a schedule")
	assert.Error(t, err)
}

func TestCron_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { Cron("61 * * * *") })
	assert.NotPanics(t, func() { Cron("@daily") })
}
