package vehicle

import (
	"encoding/json"
	"sync"
	"time"
)

// snapshot is the stored form of a status reading.
type snapshot struct {
	FetchedAt time.Time       `json:"fetchedAt"`
	Status    json.RawMessage `json:"status"`
}

func (s *Service) loadSnapshot(vin string) (*snapshot, error) {
	data, err := s.snapshots.StatusSnapshot(vin)
	if err != nil || data == nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

func (s *Service) saveSnapshot(st Status) error {
	data, err := json.Marshal(snapshot{FetchedAt: st.FetchedAt, Status: st.Status})
	if err != nil {
		return err
	}

	return s.snapshots.SetStatusSnapshot(st.VIN, data)
}

type memorySnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: make(map[string][]byte)}
}

func (m *memorySnapshots) StatusSnapshot(vin string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data[vin], nil
}

func (m *memorySnapshots) SetStatusSnapshot(vin string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[vin] = data

	return nil
}
