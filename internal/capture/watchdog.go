package capture

import (
	"fmt"
	"log/slog"
	"time"
)

// armWatchdog cancels the job once it has run for cfg.MaxRunTime. The
// returned timer is stopped when the process closes.
func (r *Registry) armWatchdog(id string) *time.Timer {
	limit := r.cfg.MaxRunTime
	return time.AfterFunc(limit, func() {
		if !r.Active(id) {
			return
		}
		slog.WarnContext(r.base, "capture exceeded maximum run time", "job_id", id, "max_run_time", limit.String())
		r.cancel(id, fmt.Sprintf("exceeded maximum run time of %s", limit))
	})
}
