package vm

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Snapshot is the observable status of one VM. Produced by Status; never
// an error, a dead or reaped process is simply reported not running.
type Snapshot struct {
	VMID       string  `json:"vm_id"`
	State      State   `json:"state"`
	Running    bool    `json:"running"`
	PID        int     `json:"pid,omitempty"`
	TAPDevice  string  `json:"tap_device,omitempty"`
	VMIP       string  `json:"vm_ip,omitempty"`
	RSSBytes   int64   `json:"rss_bytes,omitempty"`
	CPUSeconds float64 `json:"cpu_seconds,omitempty"`
}

// procUsage samples resident memory and cumulative CPU time for a pid
// from /proc. Best-effort: any read or parse failure yields zeros.
func procUsage(pid int) (rssBytes int64, cpuSeconds float64) {
	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err == nil {
		fields := strings.Fields(string(statm))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				rssBytes = pages * int64(os.Getpagesize())
			}
		}
	}

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err == nil {
		// Fields after the parenthesized comm: utime is field 14, stime
		// field 15 (1-based), in clock ticks.
		if idx := strings.LastIndexByte(string(stat), ')'); idx >= 0 {
			fields := strings.Fields(string(stat)[idx+1:])
			if len(fields) >= 13 {
				utime, _ := strconv.ParseFloat(fields[11], 64)
				stime, _ := strconv.ParseFloat(fields[12], 64)
				cpuSeconds = (utime + stime) / 100.0
			}
		}
	}
	return rssBytes, cpuSeconds
}
