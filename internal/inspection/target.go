package inspection

import "fmt"

// JobTarget is the resolved banner set of a job: SingleBanner(id) or AllBanners.
type JobTarget interface {
	isJobTarget()
}

// SingleBanner targets exactly one banner.
type SingleBanner struct {
	BannerID string
}

// AllBanners targets every banner of the job's collection.
type AllBanners struct{}

func (SingleBanner) isJobTarget() {}
func (AllBanners) isJobTarget()   {}

// NewJobTarget validates the persisted job type and banner reference.
func NewJobTarget(jobType JobType, bannerID *string) (JobTarget, error) {
	switch jobType {
	case JobTypeSingleBanner:
		if !nonEmpty(bannerID) {
			return nil, fmt.Errorf("%w: single_banner job requires banner_id", ErrInvalidJob)
		}
		return SingleBanner{BannerID: *bannerID}, nil
	case JobTypeAllBanners:
		return AllBanners{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidJob, jobType)
	}
}
