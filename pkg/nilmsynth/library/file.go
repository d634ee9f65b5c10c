package library

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// FileLibrary implements Library on a single JSON document. It suits small
// hand-curated libraries and tests.
type FileLibrary struct {
	path  string
	mutex sync.RWMutex
	doc   fileDocument
}

type fileDocument struct {
	Loads     []Load     `json:"loads"`
	Exemplars []Exemplar `json:"exemplars"`
}

// NewFileLibrary reads the library at path. A missing file yields an empty
// library that is created on the first write.
func NewFileLibrary(path string) (*FileLibrary, error) {
	lib := &FileLibrary{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return lib, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read library file: %v", err)
	}
	if err := json.Unmarshal(data, &lib.doc); err != nil {
		return nil, fmt.Errorf("failed to parse library file %s: %v", path, err)
	}
	for _, ex := range lib.doc.Exemplars {
		if err := ex.Validate(); err != nil {
			return nil, fmt.Errorf("library file %s: %v", path, err)
		}
	}
	klog.V(2).InfoS("Loaded library file", "path", path,
		"loads", len(lib.doc.Loads), "exemplars", len(lib.doc.Exemplars))
	return lib, nil
}

// GetLoad returns the load with the given id.
func (l *FileLibrary) GetLoad(id int64) (Load, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, load := range l.doc.Loads {
		if load.ID == id {
			return load, nil
		}
	}
	return Load{}, fmt.Errorf("load %d not found in library", id)
}

// ListExemplars returns the exemplars of a load with their stream resolved
// from the owning load.
func (l *FileLibrary) ListExemplars(loadID int64) ([]Exemplar, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var stream string
	for _, load := range l.doc.Loads {
		if load.ID == loadID {
			stream = load.Stream
		}
	}

	var exemplars []Exemplar
	for _, ex := range l.doc.Exemplars {
		if ex.LoadID == loadID {
			if ex.Stream == "" {
				ex.Stream = stream
			}
			exemplars = append(exemplars, ex)
		}
	}
	return exemplars, nil
}

// AddLoad appends a load, assigning the next free id when ID is zero.
func (l *FileLibrary) AddLoad(load Load) (int64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if load.ID == 0 {
		for _, existing := range l.doc.Loads {
			if existing.ID >= load.ID {
				load.ID = existing.ID
			}
		}
		load.ID++
	}
	l.doc.Loads = append(l.doc.Loads, load)
	return load.ID, l.save()
}

// AddExemplar appends an exemplar, assigning the next free id when ID is zero.
func (l *FileLibrary) AddExemplar(ex Exemplar) (int64, error) {
	if err := ex.Validate(); err != nil {
		return 0, err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if ex.ID == 0 {
		for _, existing := range l.doc.Exemplars {
			if existing.ID >= ex.ID {
				ex.ID = existing.ID
			}
		}
		ex.ID++
	}
	l.doc.Exemplars = append(l.doc.Exemplars, ex)
	return ex.ID, l.save()
}

func (l *FileLibrary) save() error {
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal library: %v", err)
	}
	if err := os.WriteFile(l.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write library file: %v", err)
	}
	return nil
}

// Close is a no-op for the file library.
func (l *FileLibrary) Close() error {
	return nil
}
