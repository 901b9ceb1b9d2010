package domain

// Stats are lifetime counters kept next to the registries.
type Stats struct {
	ID                  uint    `json:"-" gorm:"primaryKey"`
	TotalProcessed      int64   `json:"total_processed"`
	TotalSucceeded      int64   `json:"total_succeeded"`
	TotalFailed         int64   `json:"total_failed"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
}

func (Stats) TableName() string {
	return "stats"
}

// RecordSuccess folds a completed job's response time into the running mean
// using avg' = avg + (rt - avg) / n.
func (s *Stats) RecordSuccess(responseTimeMs int64) {
	s.TotalProcessed++
	s.TotalSucceeded++
	n := float64(s.TotalSucceeded)
	s.AverageResponseTime += (float64(responseTimeMs) - s.AverageResponseTime) / n
}

func (s *Stats) RecordFailure() {
	s.TotalProcessed++
	s.TotalFailed++
}

// Snapshot is the persisted view of a coordinator: the agents and jobs tables
// plus the stats record.
type Snapshot struct {
	Agents []*Agent `json:"agents"`
	Jobs   []*Job   `json:"jobs"`
	Stats  Stats    `json:"stats"`
}

// Clone deep-copies every row.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Stats: s.Stats}
	for _, a := range s.Agents {
		c.Agents = append(c.Agents, a.Clone())
	}
	for _, j := range s.Jobs {
		c.Jobs = append(c.Jobs, j.Clone())
	}
	return c
}
