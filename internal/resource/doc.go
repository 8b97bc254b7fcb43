// Package resource implements memory governance for materialized tiles.
//
// It provides three pieces:
//
//   - Budget: pure byte accounting with per-category usage and quotas
//   - Manager: admission control, tiered eviction, and pressure checks
//   - Controller: decode worker slots and IO rate limiting
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Manager                             │
//	├────────────────────┬────────────────────┬────────────────────┤
//	│  Admission         │  Tiered eviction   │  Residency         │
//	│  Admit / Cancel    │  Soft  >80% → 70%  │  visible (never    │
//	│  RecordResident    │  Hard  >95% → 80%  │  evicted)          │
//	│  Release           │  Emergency: relax  │  buffer (relaxed   │
//	│                    │  buffer protection │  in Emergency)     │
//	└────────────────────┴────────────────────┴────────────────────┘
//
// The Manager is the only component that evicts. It talks to the cache
// through the Store interface and holds its own lock while doing so, so
// the lock order is always Manager → Store.
//
// # Admission
//
// Admission is checked before a build starts using an estimate:
//
//	res, decision := mgr.Admit(key, resource.EstimateBytes(256))
//	if decision == resource.Rejected {
//	    // substitute a placeholder
//	}
//
// After the build the actual size is reconciled with RecordResident, which
// runs an immediate eviction pass if the total exceeds the budget.
//
// # Thread Safety
//
// All budget mutation is serialized by the Manager's mutex. CheckPressure
// reads an atomic mirror of the usage and may be slightly stale.
//
// # Nil Safety
//
// Controller methods handle a nil receiver gracefully; they become no-ops.
package resource
