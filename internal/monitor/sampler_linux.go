//go:build linux

package monitor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// NewHostSampler returns a sampler reading /proc/stat and /proc/meminfo.
//
// CPU utilization is the busy share of the delta between two consecutive
// samples, so the first call reports 0 CPU.
func NewHostSampler() Sampler {
	return &procSampler{}
}

type procSampler struct {
	mu       sync.Mutex
	prevBusy uint64
	prevTot  uint64
	primed   bool
}

func (p *procSampler) Sample(ctx context.Context) (Load, error) {
	busy, tot, err := readCPUTicks()
	if err != nil {
		return Load{}, err
	}

	p.mu.Lock()
	var cpu float64
	if p.primed && tot > p.prevTot {
		dBusy := busy - p.prevBusy
		dTot := tot - p.prevTot
		cpu = 100 * float64(dBusy) / float64(dTot)
	}
	p.prevBusy, p.prevTot = busy, tot
	p.primed = true
	p.mu.Unlock()

	mem, err := readMemPct()
	if err != nil {
		return Load{}, err
	}
	return Load{CPUPct: cpu, MemPct: mem}, nil
}

// readCPUTicks parses the aggregate "cpu" line of /proc/stat.
// Busy excludes idle and iowait.
func readCPUTicks() (busy, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var vals []uint64
		for _, fs := range fields {
			v, perr := strconv.ParseUint(fs, 10, 64)
			if perr != nil {
				break
			}
			vals = append(vals, v)
		}
		if len(vals) < 5 {
			return 0, 0, fmt.Errorf("short cpu line in /proc/stat: %q", line)
		}
		for _, v := range vals {
			total += v
		}
		idle := vals[3] + vals[4] // idle + iowait
		return total - idle, total, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no cpu line in /proc/stat")
}

func readMemPct() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var totalKB, availKB uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoKB(line)
		}
		if totalKB > 0 && availKB > 0 {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("no MemTotal in /proc/meminfo")
	}
	used := float64(totalKB-availKB) / float64(totalKB)
	return 100 * used, nil
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
