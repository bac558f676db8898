package scheduler

import (
	"sort"
	"time"

	"github.com/dohr-michael/paperpool/internal/storage/dirstore"
)

const runsFile = "runs.jsonl"

// Run records one trigger of a persisted entry.
type Run struct {
	TaskID  string    `json:"task_id"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// ScheduleStore persists dynamic entries as directories holding meta.json
// and a runs.jsonl trigger history.
type ScheduleStore struct {
	ds *dirstore.DirStore
}

// NewScheduleStore creates a ScheduleStore rooted at baseDir.
func NewScheduleStore(baseDir string) *ScheduleStore {
	return &ScheduleStore{ds: dirstore.NewDirStore(baseDir, "schedule")}
}

// Create persists a new schedule entry to disk.
func (s *ScheduleStore) Create(entry *ScheduleEntry) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	if entry.ID == "" {
		entry.ID = GenerateScheduleID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := s.ds.EnsureDir(entry.ID); err != nil {
		return err
	}
	return s.ds.WriteMeta(entry.ID, entry)
}

// Get reads a schedule entry by ID.
func (s *ScheduleStore) Get(id string) (*ScheduleEntry, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	var entry ScheduleEntry
	if err := s.ds.ReadMeta(id, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Update atomically rewrites a schedule entry's meta.json.
func (s *ScheduleStore) Update(entry *ScheduleEntry) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	return s.ds.WriteMeta(entry.ID, entry)
}

// Delete removes a schedule entry and its history.
func (s *ScheduleStore) Delete(id string) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	return s.ds.RemoveDir(id)
}

// List returns all schedule entries, sorted by CreatedAt descending.
func (s *ScheduleStore) List() ([]*ScheduleEntry, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	dirs, err := s.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var entries []*ScheduleEntry
	for _, name := range dirs {
		var entry ScheduleEntry
		if err := s.ds.ReadMeta(name, &entry); err != nil {
			continue // skip corrupted entries
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// AppendRun adds a trigger to the entry's history.
func (s *ScheduleStore) AppendRun(id string, run Run) error {
	s.ds.Lock()
	defer s.ds.Unlock()

	return s.ds.AppendJSONL(id, runsFile, run)
}

// Runs returns the entry's trigger history, oldest first.
func (s *ScheduleStore) Runs(id string) ([]Run, error) {
	s.ds.RLock()
	defer s.ds.RUnlock()

	return dirstore.LoadJSONL[Run](s.ds, id, runsFile)
}
