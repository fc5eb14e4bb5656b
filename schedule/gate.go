// Package schedule decides whether trading is currently in-schedule and
// at what lot coefficient, based on a remotely published document of
// time windows. The remote fetch runs on its own cadence and the last
// good document is always available to the control loop.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultURL is where the published schedule document lives.
	DefaultURL = "https://zaramcei.github.io/edgex-grid/schedule/schedule.json"

	// RefreshInterval is how often the document is re-fetched.
	RefreshInterval = 5 * time.Minute

	// fallbackType is used when the configured type name is absent
	// from the document.
	fallbackType = "normal"
)

// Rule is one trading window. Times without a zone are taken as UTC.
type Rule struct {
	Title          string  `json:"title"`
	From           ztime   `json:"from"`
	To             ztime   `json:"to"`
	LotCoefficient float64 `json:"lot_coefficient"`
}

// Document is the published schedule, keyed by schedule-type name.
type Document struct {
	Schedules map[string][]Rule `json:"schedules"`
}

// Status is the resolved schedule state for a point in time.
type Status struct {
	Active         bool
	Title          string
	LotCoefficient float64
}

// ztime parses RFC3339 and falls back to a zoneless layout read as UTC.
type ztime struct {
	time.Time
}

func (z *ztime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		z.Time = t.UTC()
		return nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return fmt.Errorf("parse schedule time %q: %w", s, err)
	}
	z.Time = t
	return nil
}

// Gate holds the last good document under a read-mostly lock. Refresh
// failures keep the prior document; evaluation never blocks on the
// network.
type Gate struct {
	url          string
	scheduleType string
	client       *http.Client
	log          *zap.Logger

	mu        sync.RWMutex
	doc       Document
	fetchedAt time.Time
}

func NewGate(url, scheduleType string, log *zap.Logger) *Gate {
	if url == "" {
		url = DefaultURL
	}
	return &Gate{
		url:          url,
		scheduleType: scheduleType,
		client:       &http.Client{Timeout: 10 * time.Second},
		log:          log,
	}
}

// Refresh fetches the document once. On failure the previous document
// stays in place and the error is returned for logging only.
func (g *Gate) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return fmt.Errorf("build schedule request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch schedule: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch schedule: status %d", resp.StatusCode)
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode schedule: %w", err)
	}
	g.mu.Lock()
	g.doc = doc
	g.fetchedAt = time.Now()
	g.mu.Unlock()
	return nil
}

// Run re-fetches on RefreshInterval until ctx ends, starting with an
// immediate fetch unless one already succeeded. Intended to run on its
// own goroutine beside the control loop.
func (g *Gate) Run(ctx context.Context) {
	if g.FetchedAt().IsZero() {
		if err := g.Refresh(ctx); err != nil {
			g.log.Warn("schedule refresh failed, keeping last known good", zap.Error(err))
		}
	}
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Refresh(ctx); err != nil {
				g.log.Warn("schedule refresh failed, keeping last known good", zap.Error(err))
			}
		}
	}
}

// FetchedAt reports when the current document was obtained; zero when no
// fetch has succeeded yet.
func (g *Gate) FetchedAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fetchedAt
}

// Resolve tests now against the configured type's windows, falling back
// to the default type when the configured name is missing. With no rules
// at all the gate reports inactive.
func (g *Gate) Resolve(now time.Time) Status {
	g.mu.RLock()
	rules, ok := g.doc.Schedules[g.scheduleType]
	if !ok {
		rules = g.doc.Schedules[fallbackType]
	}
	g.mu.RUnlock()

	// windows are inclusive at both ends
	for _, r := range rules {
		if !now.Before(r.From.Time) && !now.After(r.To.Time) {
			return Status{Active: true, Title: r.Title, LotCoefficient: r.LotCoefficient}
		}
	}
	return Status{LotCoefficient: 1.0}
}
