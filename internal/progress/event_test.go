package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"job start", Event{JobID: id, TS: now, Stage: StageJobStart}, false},
		{"missing job", Event{TS: now, Stage: StageJobStart}, true},
		{"missing ts", Event{JobID: id, Stage: StageJobDone}, true},
		{"batch ok", Event{JobID: id, TS: now, Stage: StageBatchDone, Current: 3, Total: 7}, false},
		{"batch overflow", Event{JobID: id, TS: now, Stage: StageBatchDone, Current: 8, Total: 7}, true},
		{"banner ok", Event{JobID: id, TS: now, Stage: StageBannerDone, BannerID: "b", Outcome: "skipped"}, false},
		{"banner no outcome", Event{JobID: id, TS: now, Stage: StageBannerDone, BannerID: "b"}, true},
		{"unknown stage", Event{JobID: id, TS: now, Stage: "FETCH_DONE"}, true},
		{"negative dur", Event{JobID: id, TS: now, Stage: StageJobDone, Dur: -1}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestJobKey(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	require.Equal(t, UUIDToBytes(id), JobKey(id.String()))
	require.Equal(t, id, Event{JobID: JobKey(id.String())}.JobUUID())
	require.Equal(t, [16]byte{}, JobKey("not-a-uuid"))
}
