package resource

import (
	"fmt"

	"github.com/shirou/gopsutil/mem"
)

const (
	minAutoBudget = 64 << 20
	maxAutoBudget = 4 << 30

	// autoBudgetDivisor reserves 1/8 of physical memory for thumbnails.
	autoBudgetDivisor = 8
)

// SystemMemoryBudget derives a default budget from physical memory.
func SystemMemoryBudget() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read system memory: %w", err)
	}

	budget := int64(vm.Total / autoBudgetDivisor)
	return min(max(budget, minAutoBudget), maxAutoBudget), nil
}
