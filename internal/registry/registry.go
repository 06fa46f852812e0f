// Package registry maintains the set of known Systems Under Test (SUTs),
// their online/offline/pairing state, and persistence across restarts.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/r3e-benchfabric/master/internal/eventbus"
	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/metrics"
	state "github.com/r3e-benchfabric/master/internal/statestore"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// Status is a SUT's control-channel-derived online state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
)

// Device is one known SUT.
type Device struct {
	UniqueID     string            `json:"unique_id"`
	IP           string            `json:"ip"`
	Port         int               `json:"port"`
	Hostname     string            `json:"hostname"`
	CPUModel     string            `json:"cpu_model"`
	DisplayName  string            `json:"display_name"`
	Capabilities []string          `json:"capabilities"`
	Status       Status            `json:"status"`
	Paired       bool              `json:"paired"`
	PairedBy     string            `json:"paired_by,omitempty"`
	PairedAt     *time.Time        `json:"paired_at,omitempty"`
	PingsOK      int64             `json:"pings_ok"`
	PingsTotal   int64             `json:"pings_total"`
	ErrorCount   int64             `json:"error_count"`
	FirstSeen    time.Time         `json:"first_discovered"`
	LastSeen     time.Time         `json:"last_seen"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// Attrs is the set of optional attributes supplied on upsert.
type UpsertAttrs struct {
	Hostname     string
	CPUModel     string
	Capabilities []string
}

type persistedFile struct {
	Version       int                `json:"version"`
	SavedAt       time.Time          `json:"saved_at"`
	PairedDevices map[string]*Device `json:"paired_devices"`
	CPUDirectory  map[string]int     `json:"cpu_directory"`
}

// Registry guards devices and the IP->ID mapping behind one RWMutex, per
// the fabric's lock-per-shared-map discipline.
type Registry struct {
	mu           sync.RWMutex
	devices      map[string]*Device
	ipToID       map[string]string
	cpuDirectory map[string]int

	backend state.PersistenceBackend
	bus     *eventbus.Bus
	logger  *logging.Logger
	metrics *metrics.Metrics
}

const persistKey = "paired_devices"

// SetMetrics attaches a Metrics instance so the SUT population gauges track
// every Upsert/MarkOffline/Pair/Unpair/RemoveStale from here on.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	r.metrics = m
	r.refreshGaugesLocked()
	r.mu.Unlock()
}

// refreshGaugesLocked recomputes the SUT population gauges. Caller must hold
// r.mu (read or write) and r.metrics must be non-nil.
func (r *Registry) refreshGaugesLocked() {
	if r.metrics == nil {
		return
	}
	var online, paired int
	for _, d := range r.devices {
		if d.Status == StatusOnline {
			online++
		}
		if d.Paired {
			paired++
		}
	}
	r.metrics.SUTsOnline.Set(float64(online))
	r.metrics.SUTsPaired.Set(float64(paired))
	r.metrics.SUTsTotal.Set(float64(len(r.devices)))
}

// New constructs a Registry and rehydrates paired devices (as offline) from
// backend, if present.
func New(backend state.PersistenceBackend, bus *eventbus.Bus, logger *logging.Logger) (*Registry, error) {
	r := &Registry{
		devices:      make(map[string]*Device),
		ipToID:       make(map[string]string),
		cpuDirectory: make(map[string]int),
		backend:      backend,
		bus:          bus,
		logger:       logger,
	}
	if err := r.rehydrate(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) rehydrate(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	data, err := r.backend.Load(ctx, persistKey)
	if err != nil {
		if err == state.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load paired devices: %w", err)
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		// Unknown/corrupt state is treated as empty, per the fabric's
		// read-only-compatibility rule for persisted state files.
		if r.logger != nil {
			r.logger.Error(ctx, "paired devices file unreadable, starting empty", err, nil)
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range pf.PairedDevices {
		d.UniqueID = id
		d.Status = StatusOffline
		r.devices[id] = d
		if d.IP != "" {
			r.ipToID[d.IP] = id
		}
	}
	for cpu, count := range pf.CPUDirectory {
		r.cpuDirectory[cpu] = count
	}
	return nil
}

func (r *Registry) persistLocked(ctx context.Context) {
	if r.backend == nil {
		return
	}
	paired := make(map[string]*Device)
	for id, d := range r.devices {
		if d.Paired {
			cp := *d
			paired[id] = &cp
		}
	}
	pf := persistedFile{
		Version:       1,
		SavedAt:       time.Now(),
		PairedDevices: paired,
		CPUDirectory:  r.cpuDirectory,
	}
	data, err := json.Marshal(pf)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "marshal paired devices", err, nil)
		}
		return
	}
	start := time.Now()
	err = r.backend.Save(ctx, persistKey, data)
	if r.logger != nil {
		r.logger.LogStateWrite(ctx, persistKey, time.Since(start), err)
	}
}

// Upsert registers or updates a SUT. Registering an existing unique_id with
// a new IP atomically updates ip_to_id and purges the old IP entry.
func (r *Registry) Upsert(ctx context.Context, ip string, port int, uniqueID string, attrs UpsertAttrs) (*Device, bool) {
	now := time.Now()

	r.mu.Lock()
	d, existed := r.devices[uniqueID]
	wasOnline := existed && d.Status == StatusOnline
	if !existed {
		d = &Device{
			UniqueID:  uniqueID,
			FirstSeen: now,
		}
		r.devices[uniqueID] = d
	} else if d.IP != "" && d.IP != ip {
		delete(r.ipToID, d.IP)
	}

	d.IP = ip
	d.Port = port
	d.Status = StatusOnline
	d.LastSeen = now
	d.PingsTotal++
	d.PingsOK++
	if attrs.Hostname != "" {
		d.Hostname = attrs.Hostname
	}
	if cpu := NormalizeCPUModel(attrs.CPUModel); cpu != "" {
		if d.CPUModel == "" {
			r.cpuDirectory[cpu]++
		}
		d.CPUModel = cpu
	}
	if len(attrs.Capabilities) > 0 {
		d.Capabilities = attrs.Capabilities
	}
	r.ipToID[ip] = uniqueID
	if d.Paired {
		r.persistLocked(ctx)
	}
	r.refreshGaugesLocked()
	snapshot := *d
	r.mu.Unlock()

	if r.bus != nil && !wasOnline {
		r.bus.Emit(eventbus.KindSUTOnline, snapshot)
	}
	return &snapshot, existed
}

// MarkOffline flips a device to offline. Never deletes the device.
func (r *Registry) MarkOffline(ctx context.Context, uniqueID string) error {
	r.mu.Lock()
	d, ok := r.devices[uniqueID]
	if !ok {
		r.mu.Unlock()
		return errors.SUTUnknown(uniqueID)
	}
	wasOnline := d.Status == StatusOnline
	d.Status = StatusOffline
	d.LastSeen = time.Now()
	r.refreshGaugesLocked()
	snapshot := *d
	r.mu.Unlock()

	if r.bus != nil && wasOnline {
		r.bus.Emit(eventbus.KindSUTOffline, snapshot)
	}
	return nil
}

// Pair marks a device as paired by the given actor, persisting the change.
func (r *Registry) Pair(ctx context.Context, uniqueID, by string) (*Device, error) {
	r.mu.Lock()
	d, ok := r.devices[uniqueID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.SUTUnknown(uniqueID)
	}
	if d.Paired {
		r.mu.Unlock()
		return nil, errors.SUTAlreadyPaired(uniqueID)
	}
	now := time.Now()
	d.Paired = true
	d.PairedBy = by
	d.PairedAt = &now
	if d.DisplayName == "" {
		d.DisplayName = r.suggestDisplayNameLocked(d.CPUModel)
	}
	r.persistLocked(ctx)
	r.refreshGaugesLocked()
	snapshot := *d
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(eventbus.KindSUTPaired, snapshot)
	}
	return &snapshot, nil
}

// Unpair clears the paired flag but preserves the display name, so a
// subsequent pair restores full paired state (display name survives).
func (r *Registry) Unpair(ctx context.Context, uniqueID string) error {
	r.mu.Lock()
	d, ok := r.devices[uniqueID]
	if !ok {
		r.mu.Unlock()
		return errors.SUTUnknown(uniqueID)
	}
	if !d.Paired {
		r.mu.Unlock()
		return errors.SUTNotPaired(uniqueID)
	}
	d.Paired = false
	d.PairedBy = ""
	d.PairedAt = nil
	r.persistLocked(ctx)
	r.refreshGaugesLocked()
	snapshot := *d
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(eventbus.KindSUTUnpaired, snapshot)
	}
	return nil
}

// SetDisplayName overrides the device's display name.
func (r *Registry) SetDisplayName(ctx context.Context, uniqueID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[uniqueID]
	if !ok {
		return errors.SUTUnknown(uniqueID)
	}
	d.DisplayName = name
	if d.Paired {
		r.persistLocked(ctx)
	}
	return nil
}

var (
	cpuUltraPattern = regexp.MustCompile(`(?i)Ultra\s+\d+\s+\w+`)
	cpuCoreIPattern = regexp.MustCompile(`(?i)i[3579]-\w+`)
	cpuRyzenPattern = regexp.MustCompile(`(?i)Ryzen\s+\d+\s+\w+`)
)

// shortCPUName reduces a raw CPU model string to its recognizable family
// token ("Ultra 7 155H", "i9-13900K", "Ryzen 9 7950X"); unrecognized models
// fall back to their last two tokens.
func shortCPUName(cpuModel string) string {
	if m := cpuUltraPattern.FindString(cpuModel); m != "" {
		return m
	}
	if m := cpuCoreIPattern.FindString(cpuModel); m != "" {
		return m
	}
	if m := cpuRyzenPattern.FindString(cpuModel); m != "" {
		return m
	}
	parts := strings.Fields(cpuModel)
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], " ")
	}
	return cpuModel
}

// suggestDisplayNameLocked derives "<short CPU name> - N" where N is the
// count of devices sharing that CPU model, recovered from the original
// device_registry.py DevicePersistence.suggest_display_name behavior: the
// counter is taken at pairing time and never decremented on unpair, and a
// device with no CPU model at all is simply "SUT".
func (r *Registry) suggestDisplayNameLocked(cpuModel string) string {
	if cpuModel == "" {
		return "SUT"
	}
	short := shortCPUName(cpuModel)
	count := r.cpuDirectory[cpuModel]
	if count <= 1 {
		return short
	}
	return fmt.Sprintf("%s - %d", short, count)
}

// SuggestDisplayName exposes the same derivation for callers that want a
// preview without mutating state (e.g. an admin pairing prompt).
func (r *Registry) SuggestDisplayName(cpuModel string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.suggestDisplayNameLocked(cpuModel)
}

// RemoveStale deletes devices that are unpaired and have not been seen for
// longer than timeout. Returns the removed unique IDs.
func (r *Registry) RemoveStale(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, d := range r.devices {
		if d.Paired {
			continue
		}
		if d.Status == StatusOffline && d.LastSeen.Before(cutoff) {
			delete(r.devices, id)
			if r.ipToID[d.IP] == id {
				delete(r.ipToID, d.IP)
			}
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		r.refreshGaugesLocked()
	}
	return removed
}

// Lookup resolves a unique_id to its current Device snapshot.
func (r *Registry) Lookup(uniqueID string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[uniqueID]
	if !ok {
		return nil, errors.SUTUnknown(uniqueID)
	}
	snapshot := *d
	return &snapshot, nil
}

// ResolveIP resolves a unique_id to its last-known IP and port.
func (r *Registry) ResolveIP(uniqueID string) (ip string, port int, err error) {
	d, err := r.Lookup(uniqueID)
	if err != nil {
		return "", 0, err
	}
	return d.IP, d.Port, nil
}

// Filter selects a subset of devices for List.
type Filter struct {
	PairedOnly bool
	OnlineOnly bool
}

// List returns device snapshots matching filter, sorted by unique_id for
// deterministic admin-surface output.
func (r *Registry) List(filter Filter) []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if filter.PairedOnly && !d.Paired {
			continue
		}
		if filter.OnlineOnly && d.Status != StatusOnline {
			continue
		}
		snapshot := *d
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}

// Stats summarizes the registry's current population.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Paired  int `json:"paired"`
	Offline int `json:"offline"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	s.Total = len(r.devices)
	for _, d := range r.devices {
		if d.Paired {
			s.Paired++
		}
		if d.Status == StatusOnline {
			s.Online++
		} else {
			s.Offline++
		}
	}
	return s
}

// NormalizeCPUModel trims whitespace the way the original's CPU-string
// parsing does before bucketing into cpu_directory.
func NormalizeCPUModel(raw string) string {
	return strings.TrimSpace(raw)
}
