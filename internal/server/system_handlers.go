package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dyhe/quotevault/internal/database"
	"github.com/dyhe/quotevault/internal/domain"
)

// systemStatusResponse is the body of GET /system/status.
type systemStatusResponse struct {
	Status        string             `json:"status"`
	Timestamp     string             `json:"timestamp"`
	UptimeSeconds float64            `json:"uptime_seconds"`
	Goroutines    int                `json:"goroutines"`
	Memory        *memoryStatus      `json:"memory,omitempty"`
	Disk          *diskStatus        `json:"disk,omitempty"`
	Database      *database.Stats    `json:"database,omitempty"`
	Providers     map[string]string  `json:"providers"`
	Download      downloadStatus     `json:"download"`
	RecentRuns    []recentRunSummary `json:"recent_runs"`
}

type memoryStatus struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

type diskStatus struct {
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

type downloadStatus struct {
	Running bool   `json:"running"`
	BatchID string `json:"batch_id,omitempty"`
}

type recentRunSummary struct {
	BatchID    string `json:"batch_id"`
	Status     string `json:"status"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// handleSystemStatus aggregates host, store, provider and pipeline state.
// Partial failures degrade individual sections rather than the endpoint.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := systemStatusResponse{
		Status:        "ok",
		Timestamp:     time.Now().In(domain.SessionZone).Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Providers:     make(map[string]string),
	}

	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.Memory = &memoryStatus{
			TotalMB:     float64(vm.Total) / 1024 / 1024,
			UsedMB:      float64(vm.Used) / 1024 / 1024,
			UsedPercent: vm.UsedPercent,
		}
	}

	if s.db != nil {
		if usage, err := disk.UsageWithContext(r.Context(), s.db.Path()); err == nil {
			resp.Disk = &diskStatus{
				TotalGB:     float64(usage.Total) / 1e9,
				FreeGB:      float64(usage.Free) / 1e9,
				UsedPercent: usage.UsedPercent,
			}
		}
		if stats, err := s.db.GetStats(); err == nil {
			resp.Database = stats
		} else {
			resp.Status = "degraded"
		}
	}

	if s.providers != nil {
		for name, err := range s.providers.HealthCheck(r.Context()) {
			if err != nil {
				resp.Providers[name] = err.Error()
				resp.Status = "degraded"
			} else {
				resp.Providers[name] = "ok"
			}
		}
	}

	if s.orchestrator != nil {
		progress := s.orchestrator.Progress()
		resp.Download = downloadStatus{
			Running: progress.Running,
			BatchID: progress.Snapshot.BatchID,
		}
	}

	if s.updates != nil {
		if recs, err := s.updates.ListRecent(5); err == nil {
			for _, rec := range recs {
				summary := recentRunSummary{
					BatchID:   rec.BatchID,
					Status:    string(rec.Status),
					Processed: rec.Processed,
					Failed:    rec.Failed,
					StartedAt: rec.StartedAt.Format(time.RFC3339),
				}
				if rec.FinishedAt != nil {
					summary.FinishedAt = rec.FinishedAt.Format(time.RFC3339)
				}
				resp.RecentRuns = append(resp.RecentRuns, summary)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
