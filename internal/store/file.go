package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	appLog "gigcal/internal/log"
	"gigcal/internal/model"
)

// fileData mirrors the YAML data file:
//
//	devices:
//	  - id: 1
//	    name: My Phone
//	    token: 6f1c...
//	    user: alice
//	events:
//	  - id: 10
//	    owner: alice
//	    name: Christmas gig
//	    description: Load-in 18:00
//	    start: 2024-12-25T19:00:00-05:00
//	    end: 2024-12-25T23:00:00-05:00
//	    updated_at: 2024-12-01T09:30:00-05:00
//	    bands: [Rock Band, Jazz Ensemble]
type fileData struct {
	Devices []fileDevice `yaml:"devices"`
	Events  []fileEvent  `yaml:"events"`
}

type fileDevice struct {
	ID    int64  `yaml:"id"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
	User  string `yaml:"user"`
}

type fileEvent struct {
	ID          int64      `yaml:"id"`
	Owner       string     `yaml:"owner"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Start       *time.Time `yaml:"start"`
	End         *time.Time `yaml:"end"`
	UpdatedAt   time.Time  `yaml:"updated_at"`
	Bands       []string   `yaml:"bands"`
}

// fileSnapshot is an immutable, indexed view of one load of the data file.
type fileSnapshot struct {
	devicesByToken map[string]fileDevice
	eventsByOwner  map[string][]model.Event
	loadedAt       time.Time
}

// FileStore serves devices and events from a YAML data file. Reload swaps
// in a fresh snapshot; readers never see a half-loaded file.
type FileStore struct {
	path string

	mu   sync.RWMutex
	snap *fileSnapshot
}

// OpenFile loads path and returns a ready FileStore.
func OpenFile(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the data file. On failure the previous snapshot stays
// in place and the error is returned.
func (s *FileStore) Reload() error {
	defer observe("file", "reload")()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}

	var raw fileData
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse store file %s: %w", s.path, err)
	}

	snap, err := buildSnapshot(raw)
	if err != nil {
		return fmt.Errorf("store file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	appLog.Info("file store loaded",
		"path", s.path,
		"device_count", len(snap.devicesByToken),
		"event_count", len(raw.Events),
	)
	return nil
}

func buildSnapshot(raw fileData) (*fileSnapshot, error) {
	snap := &fileSnapshot{
		devicesByToken: make(map[string]fileDevice, len(raw.Devices)),
		eventsByOwner:  make(map[string][]model.Event),
		loadedAt:       time.Now(),
	}

	for _, d := range raw.Devices {
		if d.Token == "" {
			return nil, fmt.Errorf("device %d has no token", d.ID)
		}
		if _, dup := snap.devicesByToken[d.Token]; dup {
			return nil, fmt.Errorf("duplicate device token for device %d", d.ID)
		}
		snap.devicesByToken[d.Token] = d
	}

	seen := make(map[int64]bool, len(raw.Events))
	for _, e := range raw.Events {
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate event id %d", e.ID)
		}
		seen[e.ID] = true
		snap.eventsByOwner[e.Owner] = append(snap.eventsByOwner[e.Owner], e.toModel())
	}

	return snap, nil
}

func (e fileEvent) toModel() model.Event {
	ev := model.Event{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Start:       e.Start,
		End:         e.End,
		UpdatedAt:   e.UpdatedAt,
	}
	for _, name := range e.Bands {
		ev.Bands = append(ev.Bands, model.Band{Name: name})
	}
	return ev
}

func (s *FileStore) snapshot() *fileSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// LoadedAt reports when the current snapshot was read.
func (s *FileStore) LoadedAt() time.Time {
	return s.snapshot().loadedAt
}

func (s *FileStore) DeviceByToken(_ context.Context, token string) (model.Device, error) {
	d, ok := s.snapshot().devicesByToken[token]
	if !ok || token == "" {
		return model.Device{}, ErrNotFound
	}
	return model.Device{ID: d.ID, Name: d.Name, Token: d.Token}, nil
}

func (s *FileStore) EventsForDevice(_ context.Context, device model.Device) ([]model.Event, error) {
	defer observe("file", "events_for_device")()

	snap := s.snapshot()
	d, ok := snap.devicesByToken[device.Token]
	if !ok {
		return nil, ErrNotFound
	}

	src := snap.eventsByOwner[d.User]
	out := make([]model.Event, len(src))
	copy(out, src)
	return out, nil
}

func (s *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(s.path)
	return err
}

func (s *FileStore) Close() {}
