package resource

import "fmt"

// Category partitions budget usage.
type Category uint8

const (
	// CategoryResident accounts bytes held by materialized cache entries.
	CategoryResident Category = iota
	// CategoryInFlight accounts reservations for builds that have not completed.
	CategoryInFlight

	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryResident:
		return "resident"
	case CategoryInFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Budget is the byte accounting structure. It is not safe for concurrent
// use; the Manager serializes access.
type Budget struct {
	max   int64
	used  int64
	usage [numCategories]int64
	quota [numCategories]int64
}

// NewBudget returns a budget with the given maximum.
func NewBudget(maxBytes int64) *Budget {
	return &Budget{max: maxBytes}
}

// SetQuota limits a single category. Zero disables the quota.
func (b *Budget) SetQuota(c Category, n int64) {
	b.quota[c] = max(n, 0)
}

// Max returns the configured maximum.
func (b *Budget) Max() int64 { return b.max }

// Used returns the total usage across categories.
func (b *Budget) Used() int64 { return b.used }

// CategoryUsed returns the usage of one category.
func (b *Budget) CategoryUsed(c Category) int64 { return b.usage[c] }

// Available returns the remaining bytes, never negative.
func (b *Budget) Available() int64 {
	return max(b.max-b.used, 0)
}

// Fits reports whether n more bytes fit in the total and in c's quota.
func (b *Budget) Fits(c Category, n int64) bool {
	return b.used+n <= b.max && b.QuotaAllows(c, n)
}

// QuotaAllows reports whether n more bytes fit in c's quota alone.
func (b *Budget) QuotaAllows(c Category, n int64) bool {
	q := b.quota[c]
	return q == 0 || b.usage[c]+n <= q
}

// Charge adds n bytes to c. It does not enforce limits.
func (b *Budget) Charge(c Category, n int64) {
	if n <= 0 {
		return
	}
	b.usage[c] += n
	b.used += n
}

// Credit removes up to n bytes from c.
func (b *Budget) Credit(c Category, n int64) {
	if n <= 0 {
		return
	}
	n = min(n, b.usage[c])
	b.usage[c] -= n
	b.used -= n
}

// Ratio returns used/max.
func (b *Budget) Ratio() float64 {
	if b.max <= 0 {
		return 0
	}
	return float64(b.used) / float64(b.max)
}
