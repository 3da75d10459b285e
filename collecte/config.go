package collecte

import (
	"time"

	"github.com/hazyhaar/collecte/collecte/internal/fetch"
	"github.com/hazyhaar/collecte/tenancy"
	"github.com/hazyhaar/collecte/vtq"
)

// Limits bounds each collection run.
type Limits struct {
	// MaxChannelFanout is how many channels may collect concurrently.
	// Default 1: strictly sequential.
	MaxChannelFanout int
	// PersistRetries is the number of attempts per document write.
	PersistRetries int
	// PersistBackoff is the base backoff between write attempts.
	PersistBackoff time.Duration
}

// Config configures the collecte service.
type Config struct {
	// Fetch settings shared by the web and rss adapters.
	Fetch fetch.Config

	// DataDir is the root directory for project shard databases.
	DataDir string

	// Policy governs what happens when a request carries no project key:
	// warn falls back to DefaultProject, require rejects.
	Policy tenancy.Policy

	// DefaultProject is the fallback project under the warn policy.
	DefaultProject string

	// DedupWindow is how many recent documents per domain the
	// content-duplicate check considers.
	DedupWindow int

	// Limits bounds each run.
	Limits Limits

	// Queue configures the async run queue.
	Queue vtq.Options

	// Workers is the number of concurrent async run consumers.
	Workers int
}

func (c *Config) defaults() {
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "collecte/1.0"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Queue.Queue == "" {
		c.Queue.Queue = "collect"
	}
	if c.Queue.Visibility <= 0 {
		// Collection runs are slow; keep claimed jobs invisible long
		// enough for a full multi-item run.
		c.Queue.Visibility = 10 * time.Minute
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}
