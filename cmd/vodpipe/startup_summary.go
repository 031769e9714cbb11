package main

import (
	"net/url"
	"strings"

	"vodpipe/internal/ladder"
	"vodpipe/internal/lease"
)

type startupSummaryInput struct {
	Addr        string
	WorkRoot    string
	Driver      string
	DSN         string
	Ladder      ladder.Ladder
	Slots       int
	LeaseConfig lease.RedisConfig
}

// startupSummary is the configuration logged once at boot, with credentials
// removed.
type startupSummary struct {
	Addr     string
	WorkRoot string
	Catalog  map[string]any
	Ladder   []string
	Slots    int
	Lease    map[string]any
}

func newStartupSummary(in startupSummaryInput) startupSummary {
	profiles := make([]string, 0, len(in.Ladder))
	for _, p := range in.Ladder {
		profiles = append(profiles, p.Label)
	}
	catalogInfo := map[string]any{"driver": in.Driver}
	if in.DSN != "" {
		catalogInfo["dsn"] = redactDSN(in.DSN)
	}
	leaseInfo := map[string]any{"driver": "local"}
	addrs := in.LeaseConfig.Addrs
	if len(addrs) == 0 && in.LeaseConfig.Addr != "" {
		addrs = []string{in.LeaseConfig.Addr}
	}
	if len(addrs) > 0 {
		leaseInfo["driver"] = "redis"
		leaseInfo["addrs"] = addrs
		leaseInfo["auth"] = in.LeaseConfig.Password != ""
	}
	return startupSummary{
		Addr:     in.Addr,
		WorkRoot: in.WorkRoot,
		Catalog:  catalogInfo,
		Ladder:   profiles,
		Slots:    in.Slots,
		Lease:    leaseInfo,
	}
}

func (s startupSummary) LogArgs() []any {
	return []any{
		"addr", s.Addr,
		"work_root", s.WorkRoot,
		"catalog", s.Catalog,
		"ladder", s.Ladder,
		"slots", s.Slots,
		"lease", s.Lease,
	}
}

// redactDSN masks passwords in URL style DSNs and in key=value DSNs.
func redactDSN(dsn string) string {
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		if parsed.User != nil {
			if _, ok := parsed.User.Password(); ok {
				parsed.User = url.UserPassword(parsed.User.Username(), "*****")
			}
		}
		return parsed.String()
	}
	if !strings.Contains(strings.ToLower(dsn), "password=") {
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, field := range fields {
		if strings.HasPrefix(strings.ToLower(field), "password=") {
			fields[i] = "password=*****"
		}
	}
	return strings.Join(fields, " ")
}
