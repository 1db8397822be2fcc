package models

// Statistics summarizes jobs system-wide or for a single user. Counts are
// zero-valued for an empty job set; AvgDurationMS covers only jobs with a
// recorded duration.
type Statistics struct {
	TotalJobs   int            `json:"total_jobs"`
	ByStatus    map[string]int `json:"by_status"`
	ByJobType   map[string]int `json:"by_job_type"`
	ByMediaType map[string]int `json:"by_media_type"`

	JobsWithDuration int     `json:"jobs_with_duration"`
	TotalDurationMS  int64   `json:"total_duration_ms"`
	AvgDurationMS    float64 `json:"avg_duration_ms"`
}

// NewStatistics returns a Statistics with allocated maps.
func NewStatistics() *Statistics {
	return &Statistics{
		ByStatus:    map[string]int{},
		ByJobType:   map[string]int{},
		ByMediaType: map[string]int{},
	}
}
