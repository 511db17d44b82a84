package peers

// Store persists peer records across restarts. The registry writes through
// on every mutation and loads everything back at startup.
type Store interface {
	// Set inserts or replaces the record for rec.NodeID.
	Set(rec Record) error

	// Get retrieves a record by node ID. The boolean result is false when
	// the record does not exist.
	Get(nodeID string) (Record, bool, error)

	// All returns every stored record.
	All() ([]Record, error)

	// Close releases the underlying resources.
	Close() error
}

// InmemStore is a map-backed Store for tests and for nodes run without the
// --store flag.
type InmemStore struct {
	records map[string]Record
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		records: make(map[string]Record),
	}
}

// Set implements the Store interface.
func (s *InmemStore) Set(rec Record) error {
	s.records[rec.NodeID] = rec
	return nil
}

// Get implements the Store interface.
func (s *InmemStore) Get(nodeID string) (Record, bool, error) {
	rec, ok := s.records[nodeID]
	return rec, ok, nil
}

// All implements the Store interface.
func (s *InmemStore) All() ([]Record, error) {
	res := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		res = append(res, rec)
	}
	return res, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
