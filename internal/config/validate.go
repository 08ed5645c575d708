package config

import (
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode needs.
func (c *Config) Validate(mode string) error {
	var errs []string

	needDB := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	needFeeds := func() {
		providers := c.Feeds.Providers()
		if len(providers) == 0 {
			errs = append(errs, "at least one of feeds.primary.list_url or feeds.secondary.list_url is required")
		}
		seen := map[string]bool{}
		for _, p := range providers {
			if p.Slug == "" {
				errs = append(errs, "feeds provider slug is required")
				continue
			}
			if seen[p.Slug] {
				errs = append(errs, "feeds provider slug "+p.Slug+" is duplicated")
			}
			seen[p.Slug] = true
			if p.Token == "" {
				errs = append(errs, "feeds."+p.Slug+".token is required")
			}
			if p.KeyField == "" || p.TimestampField == "" {
				errs = append(errs, "feeds."+p.Slug+" key_field and timestamp_field are required")
			}
		}
	}
	checkReplication := func() {
		r := c.Replication
		if r.PageSize < 1 {
			errs = append(errs, "replication.page_size must be > 0")
		}
		if r.ByIDChunk < 1 || r.ByIDChunk > r.ByIDCap {
			errs = append(errs, "replication.by_id_chunk must be between 1 and by_id_cap")
		}
	}
	checkStatus := func() {
		switch c.Status.Driver {
		case "memory", "postgres":
		case "sqlite":
			if c.Status.SQLitePath == "" {
				errs = append(errs, "status.sqlite_path is required for the sqlite driver")
			}
		default:
			errs = append(errs, "status.driver must be memory, sqlite or postgres")
		}
	}
	checkSchedule := func() {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for name, spec := range c.Scheduler.Jobs {
			if spec == "" {
				continue
			}
			if _, err := parser.Parse(spec); err != nil {
				errs = append(errs, "scheduler.jobs."+name+": invalid cron spec "+spec)
			}
		}
	}

	switch mode {
	case "migrate", "status":
		needDB()
	case "sync", "import", "media":
		needDB()
		needFeeds()
		checkReplication()
		checkStatus()
	case "serve", "daemon":
		needDB()
		needFeeds()
		checkReplication()
		checkStatus()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if mode == "daemon" {
			checkSchedule()
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Media.Downloads && c.S3.Bucket == "" {
		errs = append(errs, "s3.bucket is required when media.downloads is enabled")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
