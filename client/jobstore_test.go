package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/market"
)

func record(id market.JobID, status market.JobStatus, version uint64) market.JobRecord {
	rec := market.JobRecord{
		ID:      id,
		Poster:  "0xposter",
		Name:    "Logo",
		Amount:  market.MustMoney(10),
		Status:  status,
		Version: version,
	}
	if status != market.StatusOpen {
		rec.Worker = "0xworker"
	}
	return rec
}

func TestJobStore_RefusesRegression(t *testing.T) {
	// GIVEN: A store holding version 3 of job 1
	// WHEN: Version 2 arrives late
	// THEN: The cached record stays at version 3 and nobody is notified

	s := NewJobStore()
	require.True(t, s.Put(record(1, market.StatusCompleted, 3)))

	var notified int
	s.Subscribe(func(Change) { notified++ })

	assert.False(t, s.Put(record(1, market.StatusAccepted, 2)))
	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, market.StatusCompleted, got.Status)
	assert.Zero(t, notified)
}

func TestJobStore_SameVersionRefreshesTimestamp(t *testing.T) {
	s := NewJobStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Put(record(1, market.StatusOpen, 1))
	now = now.Add(time.Minute)
	assert.False(t, s.Put(record(1, market.StatusOpen, 1)))

	at, ok := s.FetchedAt(1)
	require.True(t, ok)
	assert.Equal(t, now, at)
}

func TestJobStore_OpenIsDerived(t *testing.T) {
	s := NewJobStore()
	changed := s.PutAll([]market.JobRecord{
		record(3, market.StatusOpen, 1),
		record(1, market.StatusOpen, 1),
		record(2, market.StatusAccepted, 2),
	})
	assert.ElementsMatch(t, []market.JobID{1, 2, 3}, changed)

	var openIDs []market.JobID
	for _, r := range s.OpenJobs() {
		openIDs = append(openIDs, r.ID)
	}
	assert.Equal(t, []market.JobID{1, 3}, openIDs)
	assert.Len(t, s.AllJobs(), 3)

	s.Put(record(1, market.StatusAccepted, 2))
	assert.Len(t, s.OpenJobs(), 1)
	assert.Equal(t, 3, s.Len())
}

func TestJobStore_SubscribeAndUnsubscribe(t *testing.T) {
	s := NewJobStore()
	var got []Change
	unsubscribe := s.Subscribe(func(c Change) { got = append(got, c) })

	s.PutAll([]market.JobRecord{record(1, market.StatusOpen, 1), record(2, market.StatusOpen, 1)})
	s.PutAll([]market.JobRecord{record(1, market.StatusOpen, 1)})
	unsubscribe()
	s.Put(record(2, market.StatusAccepted, 2))

	require.Len(t, got, 1)
	assert.Equal(t, []market.JobID{1, 2}, got[0].JobIDs)
}
