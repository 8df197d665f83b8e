package procstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndLastDispatch(t *testing.T) {
	s := New()
	_, ok := s.LastDispatch("platform")
	assert.False(t, ok)

	now := time.Now()
	s.RecordDispatch("platform", now)
	got, ok := s.LastDispatch("platform")
	assert.True(t, ok)
	assert.Equal(t, now, got)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.RecordDispatch("platform", time.Now())
	snap := s.Snapshot()
	snap["platform"] = time.Time{}

	got, _ := s.LastDispatch("platform")
	assert.False(t, got.IsZero(), "mutating the snapshot must not affect internal state")
}

func TestShuttingDown(t *testing.T) {
	s := New()
	assert.False(t, s.ShuttingDown())
	s.SetShuttingDown(true)
	assert.True(t, s.ShuttingDown())
}

func TestReset(t *testing.T) {
	s := New()
	s.RecordDispatch("platform", time.Now())
	s.SetShuttingDown(true)

	s.Reset()

	_, ok := s.LastDispatch("platform")
	assert.False(t, ok)
	assert.False(t, s.ShuttingDown())
}
