package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is one car-info entry. Records are owned by the peer that created
// them; remote peers only ever see copies inside responses.
type Record struct {
	ID         uint64 `json:"id"`
	Make       string `json:"make"`
	Model      string `json:"model"`
	Horsepower string `json:"horsepower"`
	Public     bool   `json:"public"`
}

// Store persists the whole record collection as a single JSON file.
// Every mutation is a full read-modify-write cycle under one mutex, and
// writes go through a temp file + rename so a crash can't leave a partial
// collection behind.
type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// ReadAll returns the full collection. A missing file is an empty
// collection, not an error.
func (s *Store) ReadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// WriteAll replaces the whole collection.
func (s *Store) WriteAll(recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(recs)
}

// Create appends a new private record. The id is one more than the current
// maximum, or 0 for an empty collection.
func (s *Store) Create(mk, model, horsepower string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readLocked()
	if err != nil {
		return Record{}, err
	}

	var next uint64
	for _, r := range recs {
		if r.ID+1 > next {
			next = r.ID + 1
		}
	}

	rec := Record{ID: next, Make: mk, Model: model, Horsepower: horsepower}
	recs = append(recs, rec)
	if err := s.writeLocked(recs); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Publish flips the record with the given id to public, leaving all other
// records untouched. The bool reports whether the id existed.
func (s *Store) Publish(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readLocked()
	if err != nil {
		return false, err
	}

	found := false
	for i := range recs {
		if recs[i].ID == id {
			recs[i].Public = true
			found = true
		}
	}
	if !found {
		return false, nil
	}
	return true, s.writeLocked(recs)
}

// Public returns only the records marked public.
func (s *Store) Public() ([]Record, error) {
	recs, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	pub := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.Public {
			pub = append(pub, r)
		}
	}
	return pub, nil
}

// Len reports the number of records in the collection.
func (s *Store) Len() (int, error) {
	recs, err := s.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *Store) readLocked() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return recs, nil
}

func (s *Store) writeLocked(recs []Record) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".carinfo-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
