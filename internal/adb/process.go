package adb

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ServerProcess is an adb server running on this host.
type ServerProcess struct {
	PID       int32     `json:"pid"`
	Cmdline   string    `json:"cmdline"`
	StartedAt time.Time `json:"startedAt"`
}

// ServerProcesses lists the local adb server processes.
func ServerProcesses(ctx context.Context) ([]ServerProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	var results []ServerProcess
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !isADBServer(args) {
			continue
		}

		var started time.Time
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			started = time.UnixMilli(ms)
		}

		results = append(results, ServerProcess{
			PID:       p.Pid,
			Cmdline:   cleanCmdline(args),
			StartedAt: started,
		})
	}
	return results, nil
}

// isADBServer matches the daemonized server ("adb fork-server server") and
// a foreground one ("adb server" or "adb nodaemon server").
func isADBServer(args []string) bool {
	if len(args) < 2 {
		return false
	}
	exe := strings.TrimSuffix(filepath.Base(args[0]), ".exe")
	if exe != "adb" {
		return false
	}
	for _, a := range args[1:] {
		if a == "server" {
			return true
		}
	}
	return false
}

func cleanCmdline(args []string) string {
	var cleaned []string
	for _, a := range args {
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return strings.Join(cleaned, " ")
}
