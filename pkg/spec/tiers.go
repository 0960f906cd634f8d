package spec

import "sort"

// Tier is a named resource preset. Memory and storage are in MiB so they map
// straight onto engine flags.
type Tier struct {
	ID        string
	CPUCores  float64
	MemoryMB  int
	StorageMB int
}

var tiers = map[string]Tier{
	"dev.small":  {ID: "dev.small", CPUCores: 1, MemoryMB: 1024, StorageMB: 10240},
	"dev.medium": {ID: "dev.medium", CPUCores: 2, MemoryMB: 2048, StorageMB: 20480},
	"dev.large":  {ID: "dev.large", CPUCores: 4, MemoryMB: 4096, StorageMB: 40960},
	"dev.xlarge": {ID: "dev.xlarge", CPUCores: 8, MemoryMB: 8192, StorageMB: 81920},
}

// TierByID looks a tier up in the registry
func TierByID(id string) (Tier, bool) {
	t, ok := tiers[id]
	return t, ok
}

// TierIDs returns the known tier ids, sorted
func TierIDs() []string {
	ids := make([]string, 0, len(tiers))
	for id := range tiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
