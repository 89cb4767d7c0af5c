package file

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chongiou/itolearn/internal/domain/schedule"
	"github.com/chongiou/itolearn/internal/domain/shared"
	"github.com/chongiou/itolearn/internal/infrastructure/persistence"
	"github.com/chongiou/itolearn/pkg/timeutil"
)

func TestStorage_ReadMissingFile(t *testing.T) {
	store := New(afero.NewMemMapFs(), "data/state.json")

	_, err := store.Read(context.Background())
	assert.ErrorIs(t, err, persistence.ErrStateNotFound)
}

func TestStorage_RoundTrip(t *testing.T) {
	store := New(afero.NewMemMapFs(), "data/state.json")
	ctx := context.Background()

	state := persistence.NewPollerState()
	state.LastSchedulePoll = &persistence.SchedulePollRecord{
		Timestamp:    timeutil.DateTime(2025, 6, 9, 9, 30, 0),
		SemesterWeek: 15,
	}
	state.ActiveHomeworkPollers["sched-1"] = persistence.HomeworkPollerRecord{
		Course:           schedule.Course{Name: "数据结构", ScheduleID: "sched-1"},
		KnownHomeworkIDs: []string{"hw-1", "hw-2"},
	}

	require.NoError(t, store.Write(ctx, state))

	loaded, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.SchemaVersion, loaded.Version)
	assert.Equal(t, 15, loaded.LastSchedulePoll.SemesterWeek)
	require.Contains(t, loaded.ActiveHomeworkPollers, schedule.ScheduleID("sched-1"))
	assert.Equal(t, []string{"hw-1", "hw-2"}, loaded.ActiveHomeworkPollers["sched-1"].KnownHomeworkIDs)
}

func TestStorage_WriteReplacesRecord(t *testing.T) {
	store := New(afero.NewMemMapFs(), "data/state.json")
	ctx := context.Background()

	first := persistence.NewPollerState()
	first.LastSchedulePoll = &persistence.SchedulePollRecord{SemesterWeek: 1}
	require.NoError(t, store.Write(ctx, first))

	second := persistence.NewPollerState()
	second.LastSchedulePoll = &persistence.SchedulePollRecord{SemesterWeek: 2}
	require.NoError(t, store.Write(ctx, second))

	loaded, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.LastSchedulePoll.SemesterWeek)
}

func TestStorage_CorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/state.json", []byte("{not json"), 0o644))

	store := New(fs, "data/state.json")
	_, err := store.Read(context.Background())
	assert.ErrorIs(t, err, shared.ErrCorruptState)
}

func TestStorage_NoTempFileLeftBehind(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := New(fs, "data/state.json")

	require.NoError(t, store.Write(context.Background(), persistence.NewPollerState()))

	exists, err := afero.Exists(fs, "data/state.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}
