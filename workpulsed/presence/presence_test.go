package presence_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/workpulse/workpulse/workpulsed/presence"
)

func TestStore(t *testing.T) {
	t.Parallel()

	store := presence.NewStore()
	deviceID := uuid.New()
	record := presence.Record{
		DeviceID:   deviceID,
		EmployeeID: uuid.New(),
		Status:     presence.StatusOnline,
		Activity: presence.Activity{
			AppName:     "editor",
			WindowTitle: "main.go",
		},
		LastSeen: time.Now(),
	}

	_, ok := store.Get(deviceID)
	require.False(t, ok)

	store.Set(record)
	got, ok := store.Get(deviceID)
	require.True(t, ok)
	require.Equal(t, record, got)
	require.Equal(t, 1, store.Len())

	// Set overwrites in place.
	record.Status = presence.StatusIdle
	store.Set(record)
	got, _ = store.Get(deviceID)
	require.Equal(t, presence.StatusIdle, got.Status)
	require.Equal(t, 1, store.Len())

	store.Remove(deviceID)
	_, ok = store.Get(deviceID)
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestStore_AllIsOrdered(t *testing.T) {
	t.Parallel()

	store := presence.NewStore()
	for i := 0; i < 10; i++ {
		store.Set(presence.Record{
			DeviceID: uuid.New(),
			Status:   presence.StatusOnline,
		})
	}

	records := store.All()
	require.Len(t, records, 10)
	for i := 1; i < len(records); i++ {
		require.Less(t, records[i-1].DeviceID.String(), records[i].DeviceID.String())
	}
}
