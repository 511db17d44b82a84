// Package resources samples the local machine's hardware capacity. The
// snapshots are attached to heartbeat messages so that the network can weigh
// a node's contribution.
package resources

// Snapshot describes the hardware capacity of a node at a point in time.
type Snapshot struct {
	CPUCores   int    `json:"cpu_cores"`
	RAMMB      int64  `json:"ram_mb"`
	StorageGB  int64  `json:"storage_gb"`
	GPUPresent bool   `json:"gpu_present"`
	GPUModel   string `json:"gpu_model,omitempty"`
}

// Collector samples local hardware on demand.
type Collector interface {
	Collect() (Snapshot, error)
}

// StaticCollector always returns the same snapshot. It is used in tests and
// on platforms where probing is unavailable.
type StaticCollector struct {
	Snapshot Snapshot
}

// Collect implements the Collector interface.
func (s *StaticCollector) Collect() (Snapshot, error) {
	return s.Snapshot, nil
}
