// Package store persists per-instance calendar subscriptions and settings
// as JSON files under a data directory:
//
//	<data_dir>/<instance>-calendars.json
//	<data_dir>/<instance>-settings.json
//
// Every mutation rewrites the file atomically and notifies the instance's
// change listeners.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mirrorcal/internal/ics"
	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
)

const (
	DefaultName     = "Calendar"
	DefaultSymbol   = "calendar"
	DefaultColor    = "#ca5010"
	DefaultCategory = "default"
)

var (
	ErrDuplicateURL      = errors.New("store: calendar url already exists")
	ErrNotFound          = errors.New("store: calendar not found")
	ErrInvalidInstanceID = errors.New("store: invalid instance id")
	ErrInvalidURL        = errors.New("store: invalid calendar url")
)

// ChangeFunc is called after an instance's calendars or settings change.
type ChangeFunc func(instanceID string)

// FileStore is safe for concurrent use within one process.
type FileStore struct {
	dir      string
	defaults model.Settings

	mu        sync.Mutex
	listeners map[string][]ChangeFunc
}

// New creates a store rooted at dir. defaults fill settings an instance has
// not saved.
func New(dir string, defaults model.Settings) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FileStore{
		dir:       dir,
		defaults:  defaults.WithDefaults(),
		listeners: make(map[string][]ChangeFunc),
	}, nil
}

// OnChange registers fn for instanceID.
func (s *FileStore) OnChange(instanceID string, fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[instanceID] = append(s.listeners[instanceID], fn)
}

func (s *FileStore) notify(instanceID string) {
	s.mu.Lock()
	fns := append([]ChangeFunc(nil), s.listeners[instanceID]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(instanceID)
	}
}

// List returns the instance's subscriptions in insertion order. An
// instance that never saved anything has none.
func (s *FileStore) List(instanceID string) ([]model.Subscription, error) {
	if !model.ValidInstanceID(instanceID) {
		return nil, ErrInvalidInstanceID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCalendars(instanceID)
}

// Get returns the subscription with url.
func (s *FileStore) Get(instanceID, url string) (model.Subscription, error) {
	subs, err := s.List(instanceID)
	if err != nil {
		return model.Subscription{}, err
	}
	for _, sub := range subs {
		if sub.URL == url {
			return sub, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}

// Add appends sub after applying defaults. A URL already present is
// rejected with ErrDuplicateURL.
func (s *FileStore) Add(instanceID string, sub model.Subscription) (model.Subscription, error) {
	sub, err := prepare(sub)
	if err != nil {
		return model.Subscription{}, err
	}
	err = s.mutate(instanceID, func(subs []model.Subscription) ([]model.Subscription, error) {
		if indexOf(subs, sub.URL) >= 0 {
			return nil, ErrDuplicateURL
		}
		return append(subs, sub), nil
	})
	if err != nil {
		return model.Subscription{}, err
	}
	appLog.Info("calendar added", "instance", instanceID, "url", ics.RedactURL(sub.URL), "name", sub.Name)
	return sub, nil
}

// Update replaces the subscription stored under oldURL. The URL itself may
// change as long as it does not collide with another entry. A nil Auth
// keeps the stored credential; an Auth with AuthNone clears it.
func (s *FileStore) Update(instanceID, oldURL string, sub model.Subscription) (model.Subscription, error) {
	keepAuth := sub.Auth == nil
	sub, err := prepare(sub)
	if err != nil {
		return model.Subscription{}, err
	}
	err = s.mutate(instanceID, func(subs []model.Subscription) ([]model.Subscription, error) {
		i := indexOf(subs, oldURL)
		if i < 0 {
			return nil, ErrNotFound
		}
		if sub.URL != oldURL && indexOf(subs, sub.URL) >= 0 {
			return nil, ErrDuplicateURL
		}
		if keepAuth {
			sub.Auth = subs[i].Auth
		}
		subs[i] = sub
		return subs, nil
	})
	if err != nil {
		return model.Subscription{}, err
	}
	appLog.Info("calendar updated", "instance", instanceID, "url", ics.RedactURL(sub.URL))
	return sub, nil
}

// Remove deletes the subscription with url.
func (s *FileStore) Remove(instanceID, url string) error {
	err := s.mutate(instanceID, func(subs []model.Subscription) ([]model.Subscription, error) {
		i := indexOf(subs, url)
		if i < 0 {
			return nil, ErrNotFound
		}
		return append(subs[:i], subs[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	appLog.Info("calendar removed", "instance", instanceID, "url", ics.RedactURL(url))
	return nil
}

// Seed writes subs as the instance's first calendar list. Once the
// calendars file exists it is left alone, so calendars removed through the
// API stay removed. Listeners are not notified.
func (s *FileStore) Seed(instanceID string, subs []model.Subscription) (int, error) {
	if !model.ValidInstanceID(instanceID) {
		return 0, ErrInvalidInstanceID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.calendarsPath(instanceID)
	if _, err := os.Stat(path); err == nil {
		return 0, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("store: stat %s: %w", filepath.Base(path), err)
	}

	seeded := make([]model.Subscription, 0, len(subs))
	for _, sub := range subs {
		sub, err := prepare(sub)
		if err != nil {
			return 0, err
		}
		if indexOf(seeded, sub.URL) >= 0 {
			continue
		}
		seeded = append(seeded, sub)
	}
	if len(seeded) == 0 {
		return 0, nil
	}
	if err := s.writeJSON(path, seeded); err != nil {
		return 0, err
	}
	return len(seeded), nil
}

// Settings returns the stored settings with defaults for unset fields.
func (s *FileStore) Settings(instanceID string) (model.Settings, error) {
	if !model.ValidInstanceID(instanceID) {
		return model.Settings{}, ErrInvalidInstanceID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.Settings
	if err := s.readJSON(s.settingsPath(instanceID), &st); err != nil {
		return model.Settings{}, err
	}
	if st.MaximumEntries <= 0 {
		st.MaximumEntries = s.defaults.MaximumEntries
	}
	if st.MaximumDaysInFuture <= 0 {
		st.MaximumDaysInFuture = s.defaults.MaximumDaysInFuture
	}
	return st, nil
}

// SaveSettings stores st. Non-positive fields revert to defaults.
func (s *FileStore) SaveSettings(instanceID string, st model.Settings) (model.Settings, error) {
	if !model.ValidInstanceID(instanceID) {
		return model.Settings{}, ErrInvalidInstanceID
	}
	if st.MaximumEntries <= 0 {
		st.MaximumEntries = s.defaults.MaximumEntries
	}
	if st.MaximumDaysInFuture <= 0 {
		st.MaximumDaysInFuture = s.defaults.MaximumDaysInFuture
	}

	s.mu.Lock()
	err := s.writeJSON(s.settingsPath(instanceID), st)
	s.mu.Unlock()
	if err != nil {
		return model.Settings{}, err
	}

	appLog.Info("settings updated", "instance", instanceID,
		"maximum_entries", st.MaximumEntries,
		"maximum_days_in_future", st.MaximumDaysInFuture,
	)
	s.notify(instanceID)
	return st, nil
}

func (s *FileStore) mutate(instanceID string, fn func([]model.Subscription) ([]model.Subscription, error)) error {
	if !model.ValidInstanceID(instanceID) {
		return ErrInvalidInstanceID
	}

	s.mu.Lock()
	subs, err := s.readCalendars(instanceID)
	if err == nil {
		subs, err = fn(subs)
	}
	if err == nil {
		err = s.writeJSON(s.calendarsPath(instanceID), subs)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notify(instanceID)
	return nil
}

func (s *FileStore) readCalendars(instanceID string) ([]model.Subscription, error) {
	subs := []model.Subscription{}
	if err := s.readJSON(s.calendarsPath(instanceID), &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *FileStore) calendarsPath(instanceID string) string {
	return filepath.Join(s.dir, instanceID+"-calendars.json")
}

func (s *FileStore) settingsPath(instanceID string) string {
	return filepath.Join(s.dir, instanceID+"-settings.json")
}

// readJSON leaves v untouched when the file does not exist.
func (s *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON writes via a temp file in the same directory and renames it
// over path. Files may hold feed credentials, hence 0600.
func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".mirrorcal-store-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func prepare(sub model.Subscription) (model.Subscription, error) {
	sub.URL = strings.TrimSpace(sub.URL)
	if _, err := ics.NormalizeURL(sub.URL); err != nil {
		return sub, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if sub.Name == "" {
		sub.Name = DefaultName
	}
	if sub.Symbol == "" {
		sub.Symbol = DefaultSymbol
	}
	if sub.Color == "" {
		sub.Color = DefaultColor
	}
	if sub.Category == "" {
		sub.Category = DefaultCategory
	}
	if sub.Auth != nil && sub.Auth.Method == model.AuthNone {
		sub.Auth = nil
	}
	return sub, nil
}

func indexOf(subs []model.Subscription, url string) int {
	for i, sub := range subs {
		if sub.URL == url {
			return i
		}
	}
	return -1
}
