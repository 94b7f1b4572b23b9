// Package storage persists items and conversion history. Two backends share
// the Repository interface: a JSON-file store for single-node deployments and
// a Postgres store for shared ones.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bldmahavidyalaya/kitsapi/internal/models"
)

// historyLimit bounds how many conversion records the JSON store retains.
const historyLimit = 1000

type dataset struct {
	Items       map[string]models.Item    `json:"items"`
	Conversions []models.ConversionRecord `json:"conversions"`
}

func newDataset() dataset {
	return dataset{Items: make(map[string]models.Item)}
}

// Storage is the JSON-file backed repository. All reads come from the
// in-memory dataset; every mutation rewrites the file atomically via a temp
// file rename.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
}

// NewStorage loads (or initialises) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path required")
	}
	store := &Storage{
		filePath: path,
		data:     newDataset(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return s.persist()
	}
	if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if data.Items == nil {
		data.Items = make(map[string]models.Item)
	}
	s.data = data
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the backing file's directory is reachable.
func (s *Storage) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

// Close is a no-op for the file-backed store.
func (s *Storage) Close() {}

// CreateItem stores a new item with a generated ID.
func (s *Storage) CreateItem(_ context.Context, params CreateItemParams) (models.Item, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Item{}, fmt.Errorf("item name required")
	}
	if params.Price < 0 {
		return models.Item{}, fmt.Errorf("item price cannot be negative")
	}
	if params.Quantity < 0 {
		return models.Item{}, fmt.Errorf("item quantity cannot be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	item := models.Item{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(params.Description),
		Price:       params.Price,
		Quantity:    params.Quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.data.Items[item.ID] = item
	if err := s.persist(); err != nil {
		delete(s.data.Items, item.ID)
		return models.Item{}, err
	}
	return item, nil
}

// GetItem fetches one item by ID.
func (s *Storage) GetItem(_ context.Context, id string) (models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.data.Items[id]
	if !ok {
		return models.Item{}, ErrNotFound
	}
	return item, nil
}

// ListItems returns all items, newest first.
func (s *Storage) ListItems(context.Context) ([]models.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]models.Item, 0, len(s.data.Items))
	for _, item := range s.data.Items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// UpdateItem applies the non-nil fields of update.
func (s *Storage) UpdateItem(_ context.Context, id string, update ItemUpdate) (models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data.Items[id]
	if !ok {
		return models.Item{}, ErrNotFound
	}
	previous := item

	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return models.Item{}, fmt.Errorf("item name required")
		}
		item.Name = name
	}
	if update.Description != nil {
		item.Description = strings.TrimSpace(*update.Description)
	}
	if update.Price != nil {
		if *update.Price < 0 {
			return models.Item{}, fmt.Errorf("item price cannot be negative")
		}
		item.Price = *update.Price
	}
	if update.Quantity != nil {
		if *update.Quantity < 0 {
			return models.Item{}, fmt.Errorf("item quantity cannot be negative")
		}
		item.Quantity = *update.Quantity
	}
	item.UpdatedAt = s.clock()

	s.data.Items[id] = item
	if err := s.persist(); err != nil {
		s.data.Items[id] = previous
		return models.Item{}, err
	}
	return item, nil
}

// DeleteItem removes an item by ID.
func (s *Storage) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data.Items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.data.Items, id)
	if err := s.persist(); err != nil {
		s.data.Items[id] = item
		return err
	}
	return nil
}

// RecordConversion appends one conversion outcome, trimming history beyond
// the retention limit.
func (s *Storage) RecordConversion(_ context.Context, record models.ConversionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.data.Conversions
	s.data.Conversions = append(s.data.Conversions, record)
	if excess := len(s.data.Conversions) - historyLimit; excess > 0 {
		s.data.Conversions = append([]models.ConversionRecord(nil), s.data.Conversions[excess:]...)
	}
	if err := s.persist(); err != nil {
		s.data.Conversions = previous
		return err
	}
	return nil
}

// ListConversions returns up to limit records, newest first.
func (s *Storage) ListConversions(_ context.Context, limit int) ([]models.ConversionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := append([]models.ConversionRecord(nil), s.data.Conversions...)
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
