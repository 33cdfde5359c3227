package cleanup

import (
	"github.com/PaulBabatuyi/CampaignMedia/internal/observability"
	"go.uber.org/zap"
)

// Report summarises what Finalize found.
type Report struct {
	Total      int
	Committed  int
	RolledBack int
	Journaled  int
	Leaks      []Leak
}

// Leak is a file or asset that survived finalize.
type Leak struct {
	Index    int
	File     string
	State    State
	PublicID string
	// StagingLeft is true when the staged copy is still on disk.
	StagingLeft bool
}

// Clean reports whether nothing was left behind.
func (r Report) Clean() bool {
	return len(r.Leaks) == 0
}

func (c *Coordinator) buildReport() Report {
	entries := c.snapshot()
	r := Report{Total: len(entries)}
	for _, e := range entries {
		e.mu.Lock()
		switch {
		case e.committed:
			r.Committed++
		case e.rolledBack:
			r.RolledBack++
		case e.journaled:
			r.Journaled++
		}
		if e.state == StateStaged || e.state == StateTransferred || !e.stagingCleared {
			leak := Leak{Index: e.index, File: e.file.Name, State: e.state, StagingLeft: !e.stagingCleared}
			if e.asset != nil && e.state == StateTransferred {
				leak.PublicID = e.asset.PublicID
			}
			r.Leaks = append(r.Leaks, leak)
		}
		e.mu.Unlock()
	}
	return r
}

func (c *Coordinator) logReport() {
	r := c.report
	for _, l := range r.Leaks {
		observability.Leaks.WithLabelValues(l.State.String()).Inc()
		c.logger.Error("cleanup invariant violated: resource left after finalize",
			zap.Int("index", l.Index),
			zap.String("file", l.File),
			zap.String("state", l.State.String()),
			zap.String("public_id", l.PublicID),
			zap.Bool("staging_left", l.StagingLeft),
		)
	}
	c.logger.Debug("cleanup finalized",
		zap.Int("total", r.Total),
		zap.Int("committed", r.Committed),
		zap.Int("rolled_back", r.RolledBack),
		zap.Int("journaled", r.Journaled),
		zap.Int("leaks", len(r.Leaks)),
	)
}
