package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageBatchDone    Stage = "BATCH_DONE"
	StageBannerDone   Stage = "BANNER_DONE"
	StageJobDone      Stage = "JOB_DONE"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StageJobError     Stage = "JOB_ERROR"
)

// Terminal reports whether the stage closes out a job.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}

// Event captures a single step of job progress.
type Event struct {
	// JobID uniquely identifies a job using the 16-byte UUID form.
	JobID [16]byte `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// CollectionID scopes the event to the audited collection.
	CollectionID string `json:"collection_id,omitempty"`
	// BannerID is set on BANNER_DONE events.
	BannerID string `json:"banner_id,omitempty"`
	// Outcome is the final job log status of the banner.
	Outcome string `json:"outcome,omitempty"`
	// Current and Total mirror the job's progress counters.
	Current int `json:"current"`
	Total   int `json:"total"`
	// Dur captures banner or job wall time.
	Dur time.Duration `json:"dur_ns,omitempty"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobCancelled, StageJobError:
	case StageBatchDone:
		if e.Total <= 0 || e.Current > e.Total {
			return fmt.Errorf("batch done progress %d/%d out of range", e.Current, e.Total)
		}
	case StageBannerDone:
		if e.BannerID == "" {
			return errors.New("banner done requires banner id")
		}
		if e.Outcome == "" {
			return errors.New("banner done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// JobKey parses a job ID string into the Event form. Non-UUID IDs yield the
// zero key, which Validate rejects.
func JobKey(jobID string) [16]byte {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}
