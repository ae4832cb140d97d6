package session

import (
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerozero/octolab/pkg/errors"
)

func TestActivityLog_AppendOrdersAndSequences(t *testing.T) {
	mock := clock.NewMock()
	log := NewActivityLog(mock, 10)

	a := log.Append("step", "Resolve blueprint: running", "provisioning")
	b := log.Append("step", "Resolve blueprint: done", "provisioning")
	mock.Add(time.Second)
	c := log.Append("command", "whoami", "alice")

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(2), b.Sequence)
	assert.Equal(t, int64(3), c.Sequence)
	assert.Equal(t, a.Timestamp, b.Timestamp, "equal timestamps are disambiguated by sequence")
	assert.True(t, c.Timestamp.After(b.Timestamp))
}

func TestActivityLog_AppendAtRejectsOutOfOrder(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	log := NewActivityLog(mock, 10)

	_, err := log.AppendAt(mock.Now(), "connection", "ssh opened", "alice")
	require.NoError(t, err)

	_, err = log.AppendAt(mock.Now().Add(-time.Minute), "command", "late", "alice")
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 1, log.Len(), "rejected entry must not be appended")

}

func TestActivityLog_AppendAtBoundsFutureTimestamps(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	log := NewActivityLog(mock, 10)

	_, err := log.AppendAt(mock.Now().AddDate(100, 0, 0), "command", "from the future", "alice")
	assert.True(t, errors.IsValidation(err))
	assert.Zero(t, log.Len())

	// small skew is accepted but recorded at the clock's time
	ahead, err := log.AppendAt(mock.Now().Add(MaxClockSkew/2), "command", "ahead", "alice")
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), ahead.Timestamp)

	honest, err := log.AppendAt(mock.Now(), "command", "whoami", "alice")
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), honest.Timestamp)

	sys := log.Append("extension", "ttl extended", "")
	assert.Equal(t, mock.Now(), sys.Timestamp)
}

func TestActivityLog_CapDropsOldest(t *testing.T) {
	log := NewActivityLog(clock.NewMock(), 3)
	for i := 0; i < 5; i++ {
		log.Appendf("command", "alice", "cmd %d", i)
	}

	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "cmd 2", entries[0].Message)
	assert.Equal(t, "cmd 4", entries[2].Message)
	assert.Equal(t, int64(5), entries[2].Sequence)
	assert.Equal(t, 2, log.Dropped())
}

func TestActivityLog_DefaultCap(t *testing.T) {
	log := NewActivityLog(clock.NewMock(), 0)
	for i := 0; i < DefaultLogCap+5; i++ {
		log.Append("command", "x", "")
	}
	assert.Equal(t, DefaultLogCap, log.Len())
}

func TestActivityLog_ConcurrentAppend(t *testing.T) {
	log := NewActivityLog(clock.NewMock(), 1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Append("command", "x", "")
		}()
	}
	wg.Wait()

	entries := log.Entries()
	require.Len(t, entries, 50)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Sequence, entries[i-1].Sequence)
	}
}
