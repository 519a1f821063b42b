package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Pinger is a dependency that can report its availability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker periodically checks the dependencies of the service
type HealthChecker struct {
	storageRoot string
	catalog     Pinger
	interval    time.Duration
	logger      *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	checks      map[string]CheckResult
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	StorageRoot string
	Interval    time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, catalog Pinger, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		storageRoot: cfg.StorageRoot,
		catalog:     catalog,
		interval:    interval,
		logger:      logger,
		checks:      make(map[string]CheckResult),
	}
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates readiness
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkCatalog(ctx),
		h.checkStorageRoot(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ready := true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status == StatusCritical {
			ready = false
		}
	}
	h.lastCheck = time.Now()
	h.readinessOK = ready

	h.logger.Debug("Health check completed", zap.Bool("readiness", ready))
}

func (h *HealthChecker) checkCatalog(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.catalog.Ping(ctx); err != nil {
		return newResult("catalog", StatusCritical, fmt.Sprintf("Catalog unreachable: %v", err))
	}
	return newResult("catalog", StatusHealthy, "Catalog reachable")
}

// checkStorageRoot verifies that a local storage root is writable. Object
// store roots are checked lazily by the requests that use them.
func (h *HealthChecker) checkStorageRoot() CheckResult {
	dir, ok := localPath(h.storageRoot)
	if !ok {
		return newResult("storage_root", StatusHealthy, "Remote storage root "+h.storageRoot)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return newResult("storage_root", StatusCritical, fmt.Sprintf("Storage root not accessible: %v", err))
	}

	testFile := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return newResult("storage_root", StatusCritical, fmt.Sprintf("Cannot write to storage root: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return newResult("storage_root", StatusWarning, fmt.Sprintf("Failed to stat filesystem: %v", err))
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return newResult("storage_root", StatusHealthy, "Storage root is writable")
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return newResult("storage_root", StatusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent))
	case usagePercent > 90:
		return newResult("storage_root", StatusWarning, fmt.Sprintf("Disk usage high: %.2f%%", usagePercent))
	default:
		return newResult("storage_root", StatusHealthy, fmt.Sprintf("Disk usage: %.2f%%", usagePercent))
	}
}

// IsReady returns whether the service can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && !h.draining
}

// SetDraining marks the service as shutting down
func (h *HealthChecker) SetDraining(draining bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = draining
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// LivenessHandler answers liveness probes
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler answers readiness probes with the latest check results
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"checks": h.GetChecks(),
	})
}

func newResult(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// localPath returns the filesystem path of a local storage root
func localPath(root string) (string, bool) {
	u, err := url.Parse(root)
	if err != nil || u.Scheme == "" {
		return root, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}
