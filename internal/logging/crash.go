package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	Component    string    `json:"component"`
	Task         string    `json:"task,omitempty"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler turns panics in long-running goroutines into crash reports
// on disk and errors for the caller.
type CrashHandler struct {
	dir       string
	version   string
	component string
	mu        sync.Mutex
}

// NewCrashHandler writes reports under dir, which defaults to
// StateDir()/crashes.
func NewCrashHandler(dir, version string) *CrashHandler {
	if dir == "" {
		dir = filepath.Join(StateDir(), "crashes")
	}
	return &CrashHandler{dir: dir, version: version, component: "cosync"}
}

// Guard wraps fn so that a panic is written as a crash report and
// returned as an error instead of killing the process.
func (h *CrashHandler) Guard(task string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				report := h.HandlePanic(task, r)
				err = fmt.Errorf("%s panicked: %s", task, report.PanicValue)
			}
		}()
		return fn()
	}
}

// HandlePanic records a recovered panic value.
func (h *CrashHandler) HandlePanic(task string, value any) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Component:    h.component,
		Task:         task,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.write(report); err != nil {
		fmt.Fprintf(os.Stderr, "cosync: write crash report: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "cosync: %s panicked: %s\n%s\n", task, report.PanicValue, report.StackTrace)
	return report
}

func (h *CrashHandler) write(report CrashReport) error {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return err
	}
	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000000"))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}
	return os.WriteFile(filepath.Join(h.dir, name), data, 0640)
}

// Reports returns the stored crash reports, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	entries, err := os.ReadDir(h.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	reports := make([]CrashReport, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(h.dir, name))
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}
