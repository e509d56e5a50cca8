package main

import "time"

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Units            int          `json:"units"`
	Connected        int          `json:"connected"`
	Connects         int64        `json:"connects"`
	Failures         int64        `json:"failures"`
	QueuedJobs       int          `json:"queued_jobs"`
	BufferedBytes    int64        `json:"buffered_bytes"`
	BufferLimitBytes int64        `json:"buffer_limit_bytes"`
	Directory        []unitRecord `json:"directory"`
	Now              string       `json:"now"`
}

func collectStats(srv *server, directory []unitRecord) Stats {
	units, connected, connects, failures := srv.state.getStats()
	tag := srv.tag.Stats()
	return Stats{
		Units:            units,
		Connected:        connected,
		Connects:         connects,
		Failures:         failures,
		QueuedJobs:       srv.sched.Len(),
		BufferedBytes:    tag["outstanding_bytes"],
		BufferLimitBytes: tag["limit_bytes"],
		Directory:        directory,
		Now:              time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Units":     s.Units,
		"Connected": s.Connected,
		"Connects":  s.Connects,
		"Failures":  s.Failures,
		"Queued":    s.QueuedJobs,
		"Buffered":  s.BufferedBytes,
		"Limit":     s.BufferLimitBytes,
		"Directory": s.Directory,
	}
}
