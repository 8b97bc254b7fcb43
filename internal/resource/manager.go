package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/tilecache/model"
)

var (
	// ErrInvalidBudget is returned when the memory limit is not positive.
	ErrInvalidBudget = errors.New("memory budget must be positive")
	// ErrBudgetTooSmall is returned when the budget cannot hold a single tile.
	ErrBudgetTooSmall = errors.New("memory budget smaller than one tile")
	// ErrAlreadyAttached is returned when Attach is called twice.
	ErrAlreadyAttached = errors.New("store already attached")
)

// Pressure thresholds as fractions of the budget.
const (
	softHigh = 0.80
	softLow  = 0.70
	hardHigh = 0.95
	hardLow  = 0.80

	defaultHardBatch = 8
)

// PressureLevel is the advisory memory pressure classification.
type PressureLevel uint8

const (
	PressureNormal PressureLevel = iota
	PressureSoft
	PressureHard
	PressureEmergency
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureSoft:
		return "soft"
	case PressureHard:
		return "hard"
	case PressureEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("PressureLevel(%d)", uint8(l))
	}
}

// Decision is the result of an admission check.
type Decision uint8

const (
	// Admitted means the estimate fit without eviction.
	Admitted Decision = iota
	// AdmittedAfterEviction means room was made by evicting entries.
	AdmittedAfterEviction
	// Rejected means the build must not start; a placeholder is used instead.
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case AdmittedAfterEviction:
		return "admitted_after_eviction"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Decision(%d)", uint8(d))
	}
}

// Reservation is the in-flight claim returned by Admit.
type Reservation struct {
	id    uint64
	Key   model.CacheKey
	Bytes int64
}

// Valid reports whether the reservation was granted.
func (r Reservation) Valid() bool { return r.id != 0 }

// Candidate is an evictable cache entry as reported by a Store.
type Candidate struct {
	Key        model.CacheKey
	Bytes      int64
	LastAccess uint64
}

// Store is the cache side of eviction.
type Store interface {
	// Candidates returns non-pinned resident entries, least recently used first.
	Candidates() []Candidate
	// Evict removes the entry and returns its size. It must not call back
	// into the Manager.
	Evict(key model.CacheKey) (int64, bool)
}

// EvictionReport summarizes one eviction pass.
type EvictionReport struct {
	Level      PressureLevel
	Reason     string
	Keys       []model.CacheKey
	BytesFreed int64
}

// Count returns the number of evicted entries.
func (r EvictionReport) Count() int { return len(r.Keys) }

func (r *EvictionReport) add(key model.CacheKey, freed int64) {
	r.Keys = append(r.Keys, key)
	r.BytesFreed += freed
}

// Observer receives eviction telemetry. It is called outside the Manager lock.
type Observer interface {
	Evicted(report EvictionReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(EvictionReport)

// Evicted implements Observer.
func (f ObserverFunc) Evicted(r EvictionReport) { f(r) }

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// MaxBytes is the global memory budget.
	MaxBytes int64
	// MinTileBytes is the smallest estimate a tile can have. MaxBytes must
	// be at least this large.
	MinTileBytes int64
	// HardBatch is the number of entries evicted per step under Hard pressure.
	// Defaults to 8.
	HardBatch int
	// InFlightQuota caps bytes reserved by running builds. Zero disables it.
	InFlightQuota int64

	Observer Observer
	Logger   *slog.Logger
}

// Usage is a point-in-time view of the budget.
type Usage struct {
	Max          int64
	Used         int64
	Resident     int64
	InFlight     int64
	Reservations int
	Level        PressureLevel
	Evictions    uint64
	BytesEvicted uint64
	Rejections   uint64
}

type residency struct {
	visible *roaring64.Bitmap
	buffer  *roaring64.Bitmap
}

func (r *residency) isVisible(fp model.Fingerprint) bool {
	return r != nil && r.visible != nil && r.visible.Contains(uint64(fp))
}

func (r *residency) inBuffer(fp model.Fingerprint) bool {
	return r != nil && r.buffer != nil && r.buffer.Contains(uint64(fp))
}

type protection uint8

const (
	// protectBuffer keeps visible and buffered tiles.
	protectBuffer protection = iota
	// protectVisible keeps only visible tiles.
	protectVisible
)

// Manager owns the Budget and drives eviction of an attached Store.
type Manager struct {
	mu           sync.Mutex
	cfg          ManagerConfig
	budget       *Budget
	store        Store
	reservations map[uint64]Reservation
	nextID       uint64

	used      atomic.Int64
	residency atomic.Pointer[residency]

	evictions    atomic.Uint64
	bytesEvicted atomic.Uint64
	rejections   atomic.Uint64

	logger *slog.Logger
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, cfg.MaxBytes)
	}
	if cfg.MaxBytes < cfg.MinTileBytes {
		return nil, fmt.Errorf("%w: max %d bytes, tile estimate %d bytes", ErrBudgetTooSmall, cfg.MaxBytes, cfg.MinTileBytes)
	}
	if cfg.HardBatch <= 0 {
		cfg.HardBatch = defaultHardBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	b := NewBudget(cfg.MaxBytes)
	b.SetQuota(CategoryInFlight, cfg.InFlightQuota)

	return &Manager{
		cfg:          cfg,
		budget:       b,
		reservations: make(map[uint64]Reservation),
		logger:       logger,
	}, nil
}

// Attach wires the Store. It must be called once, before any admission.
func (m *Manager) Attach(store Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		return ErrAlreadyAttached
	}
	m.store = store
	return nil
}

// SetResidency publishes the fingerprints that are currently visible and
// buffered. The bitmaps must not be modified afterwards.
func (m *Manager) SetResidency(visible, buffer *roaring64.Bitmap) {
	m.residency.Store(&residency{visible: visible, buffer: buffer})
}

// Admit checks whether a build estimated at the given size may start.
func (m *Manager) Admit(key model.CacheKey, estimated int64) (Reservation, Decision) {
	estimated = max(estimated, 0)

	m.mu.Lock()

	decision := Admitted
	report := EvictionReport{Reason: "admission"}

	if !m.budget.QuotaAllows(CategoryInFlight, estimated) {
		m.mu.Unlock()
		m.rejections.Add(1)
		return Reservation{Key: key}, Rejected
	}

	if m.budget.Used()+estimated > m.budget.Max() {
		target := m.budget.Max() - estimated

		// Nothing is evicted when even relaxing buffer protection could
		// not make room.
		if m.budget.Used()-m.evictableLocked(protectVisible) > target {
			m.mu.Unlock()
			m.rejections.Add(1)
			m.logger.Debug("admission rejected",
				"key", key.String(),
				"estimate", estimated,
				"used", m.used.Load(),
			)
			return Reservation{Key: key}, Rejected
		}

		report.Level = PressureHard
		m.evictLocked(target, protectBuffer, 1, &report)

		if m.budget.Used() > target {
			report.Level = PressureEmergency
			m.evictLocked(target, protectVisible, 1, &report)
		}
		decision = AdmittedAfterEviction
	}

	m.nextID++
	res := Reservation{id: m.nextID, Key: key, Bytes: estimated}
	m.reservations[res.id] = res
	m.budget.Charge(CategoryInFlight, estimated)
	m.syncLocked()
	m.mu.Unlock()

	m.notify(report)
	return res, decision
}

// RecordResident reconciles a reservation with the actual asset size.
// install runs under the budget lock, returns the size of any entry it
// replaced, and reports whether the new entry was installed. If the total
// exceeds the budget afterwards, an eviction pass runs immediately.
func (m *Manager) RecordResident(r Reservation, actual int64, install func() (replaced int64, installed bool)) {
	m.mu.Lock()

	if _, ok := m.reservations[r.id]; ok {
		delete(m.reservations, r.id)
		m.budget.Credit(CategoryInFlight, r.Bytes)
	}

	replaced, installed := int64(0), true
	if install != nil {
		replaced, installed = install()
	}
	m.budget.Credit(CategoryResident, replaced)
	if installed {
		m.budget.Charge(CategoryResident, actual)
	}

	report := EvictionReport{Reason: "post_hoc"}
	if m.budget.Used() > m.budget.Max() {
		report.Level = PressureHard
		m.evictLocked(m.budget.Max(), protectBuffer, 1, &report)
		if m.budget.Used() > m.budget.Max() {
			report.Level = PressureEmergency
			m.evictLocked(m.budget.Max(), protectVisible, 1, &report)
		}
	}

	m.syncLocked()
	m.mu.Unlock()

	m.notify(report)
}

// Cancel returns an unused reservation.
func (m *Manager) Cancel(r Reservation) {
	if !r.Valid() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.id]; !ok {
		return
	}
	delete(m.reservations, r.id)
	m.budget.Credit(CategoryInFlight, r.Bytes)
	m.syncLocked()
}

// Release frees a resident entry. remove runs under the budget lock and
// returns the number of bytes it dropped.
func (m *Manager) Release(remove func() (freed int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.budget.Credit(CategoryResident, remove())
	m.syncLocked()
}

// CheckPressure classifies the current usage. The read is lock-free and
// may lag concurrent mutations.
func (m *Manager) CheckPressure() PressureLevel {
	return classify(m.used.Load(), m.cfg.MaxBytes)
}

func classify(used, maxBytes int64) PressureLevel {
	if maxBytes <= 0 {
		return PressureNormal
	}
	ratio := float64(used) / float64(maxBytes)
	switch {
	case used >= maxBytes:
		return PressureEmergency
	case ratio > hardHigh:
		return PressureHard
	case ratio > softHigh:
		return PressureSoft
	default:
		return PressureNormal
	}
}

// Relieve runs the eviction tier matching the current pressure.
func (m *Manager) Relieve() EvictionReport {
	m.mu.Lock()

	level := classify(m.budget.Used(), m.budget.Max())
	report := EvictionReport{Level: level, Reason: "pressure"}
	maxBytes := float64(m.budget.Max())

	switch level {
	case PressureSoft:
		m.evictLocked(int64(maxBytes*softLow)-1, protectBuffer, 1, &report)
	case PressureHard:
		m.evictLocked(int64(maxBytes*hardLow)-1, protectBuffer, m.cfg.HardBatch, &report)
	case PressureEmergency:
		m.evictLocked(int64(maxBytes*hardLow)-1, protectBuffer, m.cfg.HardBatch, &report)
		if m.budget.Used() >= m.budget.Max() {
			m.evictLocked(m.budget.Max()-1, protectVisible, m.cfg.HardBatch, &report)
		}
	}

	m.syncLocked()
	m.mu.Unlock()

	m.notify(report)
	return report
}

// Run performs periodic pressure checks until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.CheckPressure() != PressureNormal {
				m.Relieve()
			}
		}
	}
}

// Stats returns a snapshot of the budget.
func (m *Manager) Stats() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Usage{
		Max:          m.budget.Max(),
		Used:         m.budget.Used(),
		Resident:     m.budget.CategoryUsed(CategoryResident),
		InFlight:     m.budget.CategoryUsed(CategoryInFlight),
		Reservations: len(m.reservations),
		Level:        classify(m.budget.Used(), m.budget.Max()),
		Evictions:    m.evictions.Load(),
		BytesEvicted: m.bytesEvicted.Load(),
		Rejections:   m.rejections.Load(),
	}
}

// MaxBytes returns the configured budget.
func (m *Manager) MaxBytes() int64 { return m.cfg.MaxBytes }

// evictLocked evicts candidates until usage is at or below target.
// The target is checked after every batch entries.
func (m *Manager) evictLocked(target int64, p protection, batch int, report *EvictionReport) {
	if m.store == nil || m.budget.Used() <= target {
		return
	}

	res := m.residency.Load()
	inBatch := 0

	for _, c := range m.store.Candidates() {
		if inBatch == 0 && m.budget.Used() <= target {
			return
		}
		fp := c.Key.Fingerprint
		if res.isVisible(fp) {
			continue
		}
		if p == protectBuffer && res.inBuffer(fp) {
			continue
		}

		freed, ok := m.store.Evict(c.Key)
		if !ok {
			continue
		}
		m.budget.Credit(CategoryResident, freed)
		report.add(c.Key, freed)

		inBatch++
		if inBatch >= batch {
			inBatch = 0
		}
	}
}

// evictableLocked sums the bytes that evictLocked could free under p.
func (m *Manager) evictableLocked(p protection) int64 {
	if m.store == nil {
		return 0
	}

	res := m.residency.Load()
	var total int64
	for _, c := range m.store.Candidates() {
		fp := c.Key.Fingerprint
		if res.isVisible(fp) || (p == protectBuffer && res.inBuffer(fp)) {
			continue
		}
		total += c.Bytes
	}
	return total
}

func (m *Manager) syncLocked() {
	m.used.Store(m.budget.Used())
}

func (m *Manager) notify(report EvictionReport) {
	if report.Count() == 0 {
		return
	}

	m.evictions.Add(uint64(report.Count()))
	m.bytesEvicted.Add(uint64(report.BytesFreed))

	m.logger.Debug("evicted tiles",
		"pressure", report.Level.String(),
		"reason", report.Reason,
		"count", report.Count(),
		"bytes_freed", report.BytesFreed,
	)

	if m.cfg.Observer != nil {
		m.cfg.Observer.Evicted(report)
	}
}
