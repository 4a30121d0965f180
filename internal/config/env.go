package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SKILLFLOW_"

func (c *Config) applyEnv() error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("DB_PATH", &c.Storage.Path)
	integer("QUEUE_CONCURRENCY", &c.Queue.Concurrency)
	integer("QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	duration("QUEUE_BACKOFF", &c.Queue.Backoff)
	str("QUEUE_BACKOFF_STRATEGY", &c.Queue.BackoffStrategy)
	duration("QUEUE_JOB_TIMEOUT", &c.Queue.JobTimeout)
	str("SNAPSHOT_DRIVER", &c.Snapshot.Driver)
	str("SNAPSHOT_DIR", &c.Snapshot.Dir)
	str("REDIS_ADDR", &c.Snapshot.Redis.Addr)
	str("REDIS_PASSWORD", &c.Snapshot.Redis.Password)
	integer("REDIS_DB", &c.Snapshot.Redis.DB)
	duration("WAIT_TIMEOUT", &c.Orchestrator.WaitTimeout)
	duration("TASK_TIMEOUT", &c.Orchestrator.TaskTimeout)
	integer("WORKFLOW_CONCURRENCY", &c.Orchestrator.WorkflowConcurrency)
	duration("SCHEDULER_TICK", &c.Scheduler.TickInterval)
	str("CRON_ENGINE", &c.Scheduler.CronEngine)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if v, ok := os.LookupEnv(EnvPrefix + "LICENSE_DISABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sLICENSE_DISABLED: %v", EnvPrefix, err))
		} else {
			c.License.Disabled = b
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "SHELL_ALLOWED"); ok {
		c.Skills.ShellAllowed = splitComma(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
