package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"taskd/internal/task"
)

// Validate checks cross-field consistency. It runs at startup and again
// before every hot reload commit, so a bad edit never reaches running
// components.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	s := c.Scheduler
	if s.MinWorkers < 0 || s.MaxWorkers < 0 {
		return fmt.Errorf("scheduler: worker counts must be >= 0")
	}
	if s.MinWorkers > 0 && s.MaxWorkers > 0 && s.MinWorkers > s.MaxWorkers {
		return fmt.Errorf("scheduler: min_workers (%d) > max_workers (%d)", s.MinWorkers, s.MaxWorkers)
	}
	if s.BacklogFactor < 0 {
		return fmt.Errorf("scheduler: backlog_factor must be >= 0")
	}
	if s.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler: default_max_retries must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.default_timeout", s.DefaultTimeout); err != nil {
		return err
	}

	m := c.Monitor
	if _, err := ParseDurationField("monitor.sample_interval", m.SampleInterval); err != nil {
		return err
	}
	if m.CPUThresholdPct < 0 || m.CPUThresholdPct > 100 {
		return fmt.Errorf("monitor: cpu_threshold_pct must be in [0,100]")
	}
	if m.MemThresholdPct < 0 || m.MemThresholdPct > 100 {
		return fmt.Errorf("monitor: mem_threshold_pct must be in [0,100]")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage: path must be set")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	for _, field := range []struct{ name, raw string }{
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"api.idle_timeout", c.API.IdleTimeout},
	} {
		if _, err := ParseDurationField(field.name, field.raw); err != nil {
			return err
		}
	}
	if c.API.SubmitRatePerSec < 0 {
		return fmt.Errorf("api: submit_rate_per_sec must be >= 0")
	}

	seen := map[string]bool{}
	for i, sc := range c.Schedules {
		at := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("%s: name must be set", at)
		}
		if seen[sc.Name] {
			return fmt.Errorf("%s: duplicate schedule name %q", at, sc.Name)
		}
		seen[sc.Name] = true
		if strings.TrimSpace(sc.Operation) == "" {
			return fmt.Errorf("%s (%s): operation must be set", at, sc.Name)
		}
		if _, err := cron.ParseStandard(sc.Cron); err != nil {
			return fmt.Errorf("%s (%s): invalid cron %q: %v", at, sc.Name, sc.Cron, err)
		}
		if sc.Priority != "" {
			if _, err := task.ParsePriority(sc.Priority); err != nil {
				return fmt.Errorf("%s (%s): %v", at, sc.Name, err)
			}
		}
		if _, err := ParseDurationField(at+".timeout", sc.Timeout); err != nil {
			return err
		}
		if sc.MaxRetries != nil && *sc.MaxRetries < 0 {
			return fmt.Errorf("%s (%s): max_retries must be >= 0", at, sc.Name)
		}
	}
	return nil
}
