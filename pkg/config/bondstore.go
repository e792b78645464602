package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// bondRecord is the on-disk shape of a bond.
type bondRecord struct {
	Address  string    `yaml:"address"`
	Name     string    `yaml:"name,omitempty"`
	BondedAt time.Time `yaml:"bonded_at"`
}

// BondStore persists the address of the controller we pair with, so later
// sessions reconnect directly instead of matching by advertised name.
type BondStore struct {
	path string

	mu     sync.Mutex
	record *bondRecord
}

// NewBondStore opens the store at path. The file is read lazily; a missing
// file simply means no bond yet.
func NewBondStore(path string) *BondStore {
	return &BondStore{path: path}
}

// Address returns the bonded address, or "" when no bond exists.
func (s *BondStore) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return ""
	}
	if s.record == nil {
		return ""
	}
	return s.record.Address
}

// Remember records the peripheral as bonded and persists it.
func (s *BondStore) Remember(address, name string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("cannot bond an empty address")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &bondRecord{
		Address:  address,
		Name:     name,
		BondedAt: time.Now().UTC(),
	}
	return s.saveLocked()
}

// Forget drops the bond and removes the file.
func (s *BondStore) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove bond file %q: %w", s.path, err)
	}
	return nil
}

func (s *BondStore) loadLocked() error {
	if s.record != nil {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read bond file %q: %w", s.path, err)
	}
	var rec bondRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to parse bond file %q: %w", s.path, err)
	}
	if rec.Address != "" {
		s.record = &rec
	}
	return nil
}

func (s *BondStore) saveLocked() error {
	data, err := yaml.Marshal(s.record)
	if err != nil {
		return fmt.Errorf("failed to marshal bond record: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create bond directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write bond file %q: %w", s.path, err)
	}
	return nil
}
