// Package sysinfo implements the system_ tool family: host diagnostics the
// model can read when the user asks how the machine Selene runs on is doing.
//
// One [Handler] serves every family member through the tools.PrefixHandler
// contract:
//
//   - system_cpu    — logical CPU count and load averages
//   - system_memory — total and available memory
//   - system_disk   — root filesystem capacity and free space
//   - system_uptime — host uptime
//   - system_load   — load averages only
//
// Readings come from procfs and statfs, so the family is Linux-only; on
// other platforms the handlers return descriptive errors rather than wrong
// numbers.
package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/selenehq/selene/internal/tools"
	"github.com/selenehq/selene/pkg/types"
)

// Handler serves every system_* tool. The zero value is ready to use.
type Handler struct{}

var _ tools.PrefixHandler = (*Handler)(nil)

// emptyParams is the schema for the parameter-less family members.
var emptyParams = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

// Definitions implements [tools.PrefixHandler].
func (h *Handler) Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{Name: "system_cpu", Description: "Report the host's logical CPU count and load averages.", Parameters: emptyParams},
		{Name: "system_memory", Description: "Report the host's total and available memory.", Parameters: emptyParams},
		{Name: "system_disk", Description: "Report the root filesystem's capacity and free space.", Parameters: emptyParams},
		{Name: "system_uptime", Description: "Report how long the host has been running.", Parameters: emptyParams},
		{Name: "system_load", Description: "Report the host's 1, 5, and 15 minute load averages.", Parameters: emptyParams},
	}
}

// Execute implements [tools.PrefixHandler].
func (h *Handler) Execute(_ context.Context, name, _ string) (tools.Result, error) {
	var (
		payload any
		err     error
	)

	switch name {
	case "system_cpu":
		payload, err = cpuInfo()
	case "system_memory":
		payload, err = memoryInfo()
	case "system_disk":
		payload, err = diskInfo("/")
	case "system_uptime":
		payload, err = uptimeInfo()
	case "system_load":
		payload, err = loadInfo()
	default:
		return tools.Result{}, fmt.Errorf("sysinfo: unknown tool %q", name)
	}
	if err != nil {
		return tools.Result{}, fmt.Errorf("sysinfo: %s: %w", name, err)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return tools.Result{}, fmt.Errorf("sysinfo: encode result: %w", err)
	}
	return tools.Result{Content: string(encoded)}, nil
}

type cpuResult struct {
	LogicalCPUs int     `json:"logical_cpus"`
	Load1       float64 `json:"load_1m"`
	Load5       float64 `json:"load_5m"`
	Load15      float64 `json:"load_15m"`
}

func cpuInfo() (cpuResult, error) {
	load, err := loadInfo()
	if err != nil {
		return cpuResult{}, err
	}
	return cpuResult{
		LogicalCPUs: runtime.NumCPU(),
		Load1:       load.Load1,
		Load5:       load.Load5,
		Load15:      load.Load15,
	}, nil
}

type memoryResult struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}

func memoryInfo() (memoryResult, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return memoryResult{}, fmt.Errorf("read meminfo: %w", err)
	}

	var out memoryResult
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			out.TotalBytes = kb * 1024
		case "MemAvailable:":
			out.AvailableBytes = kb * 1024
		}
	}
	if out.TotalBytes == 0 {
		return memoryResult{}, fmt.Errorf("meminfo missing MemTotal")
	}
	return out, nil
}

type diskResult struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

func diskInfo(path string) (diskResult, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return diskResult{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return diskResult{
		Path:       path,
		TotalBytes: st.Blocks * bsize,
		FreeBytes:  st.Bavail * bsize,
	}, nil
}

type uptimeResult struct {
	Seconds float64 `json:"uptime_seconds"`
	Human   string  `json:"uptime"`
}

func uptimeInfo() (uptimeResult, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return uptimeResult{}, fmt.Errorf("read uptime: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return uptimeResult{}, fmt.Errorf("malformed uptime data")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return uptimeResult{}, fmt.Errorf("parse uptime: %w", err)
	}
	return uptimeResult{
		Seconds: secs,
		Human:   (time.Duration(secs) * time.Second).String(),
	}, nil
}

type loadResult struct {
	Load1  float64 `json:"load_1m"`
	Load5  float64 `json:"load_5m"`
	Load15 float64 `json:"load_15m"`
}

func loadInfo() (loadResult, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return loadResult{}, fmt.Errorf("read loadavg: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return loadResult{}, fmt.Errorf("malformed loadavg data")
	}

	var out loadResult
	for i, dst := range []*float64{&out.Load1, &out.Load5, &out.Load15} {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return loadResult{}, fmt.Errorf("parse loadavg field %d: %w", i, err)
		}
		*dst = v
	}
	return out, nil
}
