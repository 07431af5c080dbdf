package audit

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/pesio-ai/be-onboarding/internal/errors"
	"github.com/pesio-ai/be-onboarding/internal/repository"
)

// Anomaly kinds reported by Statistics.
const (
	AnomalyFailureBurst   = "FAILURE_BURST"
	AnomalyOffHours       = "OFF_HOURS_ACTIVITY"
	AnomalyExternalAccess = "EXTERNAL_ACCESS"
)

const topActorsLimit = 10

// ActorCount is one row of the top-actors table.
type ActorCount struct {
	Actor string `json:"actor"`
	Count int    `json:"count"`
}

// Anomaly is one heuristic finding.
type Anomaly struct {
	Type        string    `json:"type"`
	Actor       string    `json:"actor"`
	Count       int       `json:"count"`
	IPAddress   string    `json:"ip_address,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Description string    `json:"description"`
}

// Statistics aggregates the audit log over a time range.
type Statistics struct {
	From          time.Time      `json:"from"`
	To            time.Time      `json:"to"`
	TotalEntries  int            `json:"total_entries"`
	FailedEntries int            `json:"failed_entries"`
	ByEventType   map[string]int `json:"by_event_type"`
	ByLevel       map[string]int `json:"by_level"`
	ByCategory    map[string]int `json:"by_category"`
	TopActors     []ActorCount   `json:"top_actors"`
	Anomalies     []Anomaly      `json:"anomalies"`
}

// Statistics computes counts by type, level and category, the most active
// actors, and anomalies in [from, to].
func (r *Recorder) Statistics(ctx context.Context, from, to time.Time) (*Statistics, error) {
	if to.Before(from) {
		return nil, errors.InvalidInput("to", "must not be before from")
	}

	entries, _, err := r.store.Query(ctx, repository.AuditFilter{From: &from, To: &to})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		From:        from,
		To:          to,
		ByEventType: make(map[string]int),
		ByLevel:     make(map[string]int),
		ByCategory:  make(map[string]int),
		Anomalies:   []Anomaly{},
	}
	actors := make(map[string]int)
	for _, e := range entries {
		stats.TotalEntries++
		if !e.Result.Success {
			stats.FailedEntries++
		}
		stats.ByEventType[e.EventType]++
		stats.ByLevel[string(e.Level)]++
		if e.Category != "" {
			stats.ByCategory[e.Category]++
		}
		actors[e.PerformedBy]++
	}

	for actor, n := range actors {
		stats.TopActors = append(stats.TopActors, ActorCount{Actor: actor, Count: n})
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		if stats.TopActors[i].Count != stats.TopActors[j].Count {
			return stats.TopActors[i].Count > stats.TopActors[j].Count
		}
		return stats.TopActors[i].Actor < stats.TopActors[j].Actor
	})
	if len(stats.TopActors) > topActorsLimit {
		stats.TopActors = stats.TopActors[:topActorsLimit]
	}

	stats.Anomalies = append(stats.Anomalies, r.analyzer.failureBursts(entries)...)
	stats.Anomalies = append(stats.Anomalies, r.analyzer.offHours(entries)...)
	stats.Anomalies = append(stats.Anomalies, r.analyzer.externalAccess(entries)...)
	return stats, nil
}

// ── anomaly heuristics ────────────────────────────────────────────────────────

type analyzer struct {
	internal   []*net.IPNet
	start, end int
	window     time.Duration
	threshold  int
	loc        *time.Location
}

func newAnalyzer(cfg Config) (*analyzer, error) {
	a := &analyzer{
		start:     cfg.BusinessHoursStart,
		end:       cfg.BusinessHoursEnd,
		window:    cfg.BurstWindow,
		threshold: cfg.BurstThreshold,
		loc:       cfg.Location,
	}
	for _, cidr := range cfg.InternalCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid internal cidr %q: %w", cidr, err)
		}
		a.internal = append(a.internal, n)
	}
	return a, nil
}

// humanEntries drops automated transitions, which are expected at any hour
// and from any address.
func humanEntries(entries []*repository.AuditLogEntry) []*repository.AuditLogEntry {
	out := make([]*repository.AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.PerformedBy != SystemActor && e.PerformedBy != "" {
			out = append(out, e)
		}
	}
	return out
}

// failureBursts reports, per actor, the densest window holding at least
// threshold failed entries.
func (a *analyzer) failureBursts(entries []*repository.AuditLogEntry) []Anomaly {
	failures := make(map[string][]time.Time)
	for _, e := range humanEntries(entries) {
		if !e.Result.Success {
			failures[e.PerformedBy] = append(failures[e.PerformedBy], e.Timestamp)
		}
	}

	var out []Anomaly
	for actor, times := range failures {
		if len(times) < a.threshold {
			continue
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

		best, bestStart := 0, 0
		lo := 0
		for hi := range times {
			for times[hi].Sub(times[lo]) > a.window {
				lo++
			}
			if n := hi - lo + 1; n > best {
				best, bestStart = n, lo
			}
		}
		if best >= a.threshold {
			out = append(out, Anomaly{
				Type:        AnomalyFailureBurst,
				Actor:       actor,
				Count:       best,
				WindowStart: times[bestStart],
				WindowEnd:   times[bestStart+best-1],
				Description: fmt.Sprintf("%d failed actions within %s", best, a.window),
			})
		}
	}
	sortAnomalies(out)
	return out
}

// offHours reports actors active outside business hours or on weekends.
func (a *analyzer) offHours(entries []*repository.AuditLogEntry) []Anomaly {
	byActor := make(map[string]*Anomaly)
	for _, e := range humanEntries(entries) {
		t := e.Timestamp.In(a.loc)
		weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
		if !weekend && t.Hour() >= a.start && t.Hour() < a.end {
			continue
		}
		an, ok := byActor[e.PerformedBy]
		if !ok {
			an = &Anomaly{Type: AnomalyOffHours, Actor: e.PerformedBy, WindowStart: e.Timestamp, WindowEnd: e.Timestamp}
			byActor[e.PerformedBy] = an
		}
		an.Count++
		if e.Timestamp.Before(an.WindowStart) {
			an.WindowStart = e.Timestamp
		}
		if e.Timestamp.After(an.WindowEnd) {
			an.WindowEnd = e.Timestamp
		}
	}

	out := make([]Anomaly, 0, len(byActor))
	for _, an := range byActor {
		an.Description = fmt.Sprintf("%d actions outside %02d:00-%02d:00 or on weekends", an.Count, a.start, a.end)
		out = append(out, *an)
	}
	sortAnomalies(out)
	return out
}

// externalAccess reports actors acting from addresses outside the
// configured internal ranges.
func (a *analyzer) externalAccess(entries []*repository.AuditLogEntry) []Anomaly {
	if len(a.internal) == 0 {
		return nil
	}
	type key struct{ actor, ip string }
	byKey := make(map[key]*Anomaly)
	for _, e := range humanEntries(entries) {
		if e.ClientInfo == nil || e.ClientInfo.IPAddress == "" {
			continue
		}
		ip := net.ParseIP(e.ClientInfo.IPAddress)
		if ip == nil || a.isInternal(ip) {
			continue
		}
		k := key{e.PerformedBy, e.ClientInfo.IPAddress}
		an, ok := byKey[k]
		if !ok {
			an = &Anomaly{Type: AnomalyExternalAccess, Actor: k.actor, IPAddress: k.ip, WindowStart: e.Timestamp, WindowEnd: e.Timestamp}
			byKey[k] = an
		}
		an.Count++
		if e.Timestamp.Before(an.WindowStart) {
			an.WindowStart = e.Timestamp
		}
		if e.Timestamp.After(an.WindowEnd) {
			an.WindowEnd = e.Timestamp
		}
	}

	out := make([]Anomaly, 0, len(byKey))
	for _, an := range byKey {
		an.Description = fmt.Sprintf("%d actions from non-internal address %s", an.Count, an.IPAddress)
		out = append(out, *an)
	}
	sortAnomalies(out)
	return out
}

func (a *analyzer) isInternal(ip net.IP) bool {
	for _, n := range a.internal {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func sortAnomalies(list []Anomaly) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Actor != list[j].Actor {
			return list[i].Actor < list[j].Actor
		}
		return list[i].IPAddress < list[j].IPAddress
	})
}
