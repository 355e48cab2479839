package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/drobiAlex/wabus-fleetsync/internal/models"
)

const (
	metaFile          = "meta.json"
	routesFile        = "routes.json"
	stopsFile         = "stops.json"
	calendarsFile     = "calendars.json"
	calendarDatesFile = "calendar_dates.json"
)

// fileMeta is meta.json: the bundle meta plus the generation directory
// holding the entity files
type fileMeta struct {
	Meta
	Generation  string    `json:"generation"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FileStore keeps one JSON file per entity kind. Each save writes a fresh
// generation directory and then atomically repoints meta.json at it, so a
// crash mid-save leaves the previous bundle intact.
type FileStore struct {
	dir    string
	logger *log.Logger
}

// NewFileStore creates a store rooted at dir
func NewFileStore(dir string, logger *log.Logger) *FileStore {
	if logger == nil {
		logger = log.Default()
	}
	return &FileStore{dir: dir, logger: logger}
}

// Load reads the bundle meta.json points at
func (s *FileStore) Load(ctx context.Context) (*models.SyncResponse, Meta, error) {
	fm, err := s.readMeta()
	if err != nil {
		return nil, Meta{}, err
	}

	genDir := filepath.Join(s.dir, fm.Generation)
	bundle := &models.SyncResponse{
		Version:     fm.Version,
		GeneratedAt: fm.GeneratedAt,
	}

	files := []struct {
		name string
		dst  any
	}{
		{routesFile, &bundle.Routes},
		{stopsFile, &bundle.Stops},
		{calendarsFile, &bundle.Calendars},
		{calendarDatesFile, &bundle.CalendarDates},
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, Meta{}, err
		}
		if err := readJSON(filepath.Join(genDir, f.name), f.dst); err != nil {
			return nil, Meta{}, fmt.Errorf("failed to load %s: %w", f.name, err)
		}
	}

	return bundle, fm.Meta, nil
}

// Save writes a new generation and switches meta.json to it
func (s *FileStore) Save(ctx context.Context, bundle *models.SyncResponse, meta Meta) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	gen := uuid.New().String()
	genDir := filepath.Join(s.dir, gen)
	if err := os.Mkdir(genDir, 0755); err != nil {
		return fmt.Errorf("failed to create generation directory: %w", err)
	}

	files := []struct {
		name string
		src  any
	}{
		{routesFile, bundle.Routes},
		{stopsFile, bundle.Stops},
		{calendarsFile, bundle.Calendars},
		{calendarDatesFile, bundle.CalendarDates},
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(genDir)
			return err
		}
		if err := writeJSON(filepath.Join(genDir, f.name), f.src); err != nil {
			os.RemoveAll(genDir)
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}

	fm := fileMeta{Meta: meta, Generation: gen, GeneratedAt: bundle.GeneratedAt}
	if err := s.writeMeta(fm); err != nil {
		os.RemoveAll(genDir)
		return err
	}

	s.prune(gen)
	return nil
}

// MarkSynced rewrites meta.json with a new LastSync
func (s *FileStore) MarkSynced(ctx context.Context, at time.Time) error {
	fm, err := s.readMeta()
	if err != nil {
		return err
	}
	fm.LastSync = at
	return s.writeMeta(fm)
}

func (s *FileStore) readMeta() (fileMeta, error) {
	var fm fileMeta
	err := readJSON(filepath.Join(s.dir, metaFile), &fm)
	if errors.Is(err, fs.ErrNotExist) {
		return fileMeta{}, ErrNoCache
	}
	if err != nil {
		return fileMeta{}, fmt.Errorf("failed to read %s: %w", metaFile, err)
	}
	if fm.Generation == "" {
		return fileMeta{}, fmt.Errorf("%s has no generation", metaFile)
	}
	return fm, nil
}

func (s *FileStore) writeMeta(fm fileMeta) error {
	data, err := json.MarshalIndent(fm, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", metaFile, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, metaFile), data); err != nil {
		return fmt.Errorf("failed to write %s: %w", metaFile, err)
	}
	return nil
}

// prune removes every generation directory except keep
func (s *FileStore) prune(keep string) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Printf("Reference: failed to list cache directory: %v", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Printf("Reference: failed to prune generation %s: %v", e.Name(), err)
		}
	}
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func writeJSON(path string, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to a temp file in the same directory, syncs
// it and renames it over path
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
