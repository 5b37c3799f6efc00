package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/shrinkarr/internal/database"
	"github.com/jmylchreest/shrinkarr/internal/ffmpeg"
	"github.com/jmylchreest/shrinkarr/internal/transcode"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	detector  *ffmpeg.BinaryDetector
	transcode TranscodeService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithFFmpeg sets the detector used to report encoder availability.
func (h *HealthHandler) WithFFmpeg(detector *ffmpeg.BinaryDetector) *HealthHandler {
	h.detector = detector
	return h
}

// WithTranscode sets the transcode service whose queue is reported.
func (h *HealthHandler) WithTranscode(svc TranscodeService) *HealthHandler {
	h.transcode = svc
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Reports ready once the catalog database answers",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the service can answer API calls.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{}
	out.Body.Components = map[string]string{}

	switch {
	case h.db == nil:
		out.Body.Components["database"] = "not_configured"
	case h.db.Ping(ctx) != nil:
		out.Body.Components["database"] = "error"
	default:
		out.Body.Components["database"] = "ok"
	}

	if out.Body.Components["database"] == "ok" {
		out.Body.Status = "ready"
	} else {
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	ffmpegHealth := h.getFFmpegHealth(ctx)

	status := "healthy"
	if dbHealth.Status == "error" || ffmpegHealth.Status == "error" {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       getCPUInfo(),
			Memory:        getMemoryInfo(),
			Components: HealthComponents{
				Database:  dbHealth,
				FFmpeg:    ffmpegHealth,
				Transcode: h.getTranscodeHealth(),
			},
		},
	}, nil
}

func getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

func getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	info.ProcessMemory = getProcessMemoryInfo()
	return info
}

func getProcessMemoryInfo() ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}
	return info
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	if h.db == nil {
		return DatabaseHealth{Status: "unknown"}
	}
	health := DatabaseHealth{Status: "ok", Driver: h.db.Driver()}

	sqlDB, err := h.db.DB.DB()
	if err != nil {
		health.Status = "error"
		return health
	}
	stats := sqlDB.Stats()
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
	}
	return health
}

func (h *HealthHandler) getFFmpegHealth(ctx context.Context) FFmpegHealth {
	if h.detector == nil {
		return FFmpegHealth{Status: "unknown"}
	}
	info, err := h.detector.Detect(ctx)
	if err != nil {
		return FFmpegHealth{Status: "error", Error: err.Error()}
	}
	return FFmpegHealth{
		Status:      "ok",
		Version:     info.Version,
		FFmpegPath:  info.FFmpegPath,
		FFprobePath: info.FFprobePath,
	}
}

func (h *HealthHandler) getTranscodeHealth() TranscodeHealth {
	if h.transcode == nil {
		return TranscodeHealth{Status: "unknown"}
	}
	health := TranscodeHealth{Status: "ok", QueueLength: h.transcode.QueueLen()}
	for _, job := range h.transcode.ActiveJobs() {
		if job.State == transcode.StateTranscoding {
			health.Running = true
			break
		}
	}
	return health
}
