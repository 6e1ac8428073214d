package session

import "sync"

// Usage tracks proxied traffic for one project's sandbox.
type Usage struct {
	Requests int64 `json:"requests"`
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Upgrades int64 `json:"upgrades"`
}

// UsageTracker stores per-project traffic counters. Thread-safe.
type UsageTracker struct {
	mu    sync.RWMutex
	usage map[string]*Usage // keyed by project ID
}

// NewUsageTracker creates a new usage tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		usage: make(map[string]*Usage),
	}
}

// RecordRequest adds one proxied exchange and its byte counts.
func (u *UsageTracker) RecordRequest(projectID string, in, out int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	usage := u.get(projectID)
	usage.Requests++
	usage.BytesIn += in
	usage.BytesOut += out
}

// RecordUpgrade counts a websocket bridge established for the project.
func (u *UsageTracker) RecordUpgrade(projectID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.get(projectID).Upgrades++
}

// Get returns a copy of the project's current usage.
func (u *UsageTracker) Get(projectID string) Usage {
	u.mu.RLock()
	defer u.mu.RUnlock()

	usage, ok := u.usage[projectID]
	if !ok {
		return Usage{}
	}
	return *usage
}

// Clear removes usage data for a project.
func (u *UsageTracker) Clear(projectID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.usage, projectID)
}

// get returns the live counter, creating it if needed. Caller holds u.mu.
func (u *UsageTracker) get(projectID string) *Usage {
	usage, ok := u.usage[projectID]
	if !ok {
		usage = &Usage{}
		u.usage[projectID] = usage
	}
	return usage
}
