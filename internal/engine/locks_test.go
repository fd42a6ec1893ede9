package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLocksTryLock(t *testing.T) {
	l := newTaskLocks()
	unlock := l.lock("t1")

	_, ok := l.tryLock("t1")
	assert.False(t, ok)
	other, ok := l.tryLock("t2")
	require.True(t, ok)
	other()

	unlock()
	again, ok := l.tryLock("t1")
	require.True(t, ok)
	again()
	assert.Empty(t, l.m)
}

func TestScanTaskSkipsBusyTask(t *testing.T) {
	e := Engine{locks: newTaskLocks()}
	unlock := e.locks.lock("t1")
	defer unlock()

	changed, err := e.ScanTask(context.Background(), "t1", time.Time{}, time.Now())
	assert.False(t, changed)
	assert.True(t, errors.Is(err, ErrBusy))
	assert.Equal(t, "busy", Outcome(err))
}
