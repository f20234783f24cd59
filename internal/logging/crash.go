package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport captures the state of the process at a panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumCPU       int            `json:"num_cpu"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler recovers panics and writes crash reports to disk.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	seq       int
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// CrashDir is the directory crash dumps are written to.
	CrashDir string

	// Version is the application version stamped on reports.
	Version string

	// Component is the component name stamped on reports.
	Component string
}

// DefaultCrashDir returns the platform-specific crash dump directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

var (
	globalCrashHandler *CrashHandler
	crashHandlerOnce   sync.Once
)

// DefaultCrashHandler returns the process-wide handler, built lazily
// against the default crash directory.
func DefaultCrashHandler() *CrashHandler {
	crashHandlerOnce.Do(func() {
		globalCrashHandler = NewCrashHandler(&CrashHandlerConfig{
			CrashDir:  DefaultCrashDir(),
			Component: "basin",
		})
	})
	return globalCrashHandler
}

// SetDefaultCrashHandler swaps the process-wide handler.
func SetDefaultCrashHandler(h *CrashHandler) {
	globalCrashHandler = h
}

// NewCrashHandler creates a CrashHandler writing to cfg.CrashDir.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir == "" {
		cfg.CrashDir = DefaultCrashDir()
	}

	os.MkdirAll(cfg.CrashDir, 0750)

	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
	}
}

// Recover runs fn, converting a panic into a crash report.
func (h *CrashHandler) Recover(fn func()) {
	defer h.recoverPanic(nil)
	fn()
}

// RecoverGoroutine is deferred at the top of goroutines:
//
//	go func() { defer handler.RecoverGoroutine(); ... }()
func (h *CrashHandler) RecoverGoroutine() {
	h.recoverPanic(map[string]any{"goroutine": true})
}

func (h *CrashHandler) recoverPanic(contextInfo map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, contextInfo)
	}
}

// HandlePanic writes a crash report for a recovered panic value.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprintf("%v", panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Context:      contextInfo,
	}

	path := h.writeCrashDump(report)

	fmt.Fprintf(os.Stderr, "\npanic: %s\n%s\n", report.PanicValue, report.StackTrace)
	if path != "" {
		fmt.Fprintf(os.Stderr, "crash report written to %s\n", path)
	}
}

// writeCrashDump persists the report. A per-process sequence number
// keeps rapid successive panics from colliding on the same filename.
func (h *CrashHandler) writeCrashDump(report CrashReport) string {
	h.seq++
	filename := fmt.Sprintf("crash-%s-%d.json",
		report.Timestamp.Format("20060102-150405"), h.seq)
	path := filepath.Join(h.crashDir, filename)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return ""
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return ""
	}
	return path
}

// GetCrashReports returns all crash reports in the crash directory.
func (h *CrashHandler) GetCrashReports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ClearCrashReports deletes every dump in the crash directory.
func (h *CrashHandler) ClearCrashReports() error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}
	for _, file := range files {
		os.Remove(file)
	}
	return nil
}

// RecoverPanic is deferred at the top of a command or daemon loop:
//
//	defer logging.RecoverPanic()
func RecoverPanic() {
	if r := recover(); r != nil {
		DefaultCrashHandler().HandlePanic(r, nil)
	}
}
