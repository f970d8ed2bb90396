package inbox

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/shopsync/internal/schema"
)

// Subdirectories of the inbox root, relative, slash separated.
var watchedDirs = []string{
	"reports",
	"inventory",
	"inventory/purchases",
	"inventory/services",
	"employees",
}

// Drop is a JSON file that landed in the inbox.
type Drop struct {
	// Path is the absolute path of the file.
	Path       string
	Collection schema.Collection
	Key        string
}

// Route maps a file under root to the document it should be written to.
// It reports false for files outside the known layout.
//
//	reports/2024-03-01.json             -> reports, 2024-03-01
//	inventory/products.json             -> inventory, products
//	inventory/purchases/2024-03-01.json -> inventory, purchases/2024-03-01
//	employees/e-17.json                 -> employees, e-17
func Route(root, file string) (Drop, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return Drop{}, false
	}
	absPath, err := filepath.Abs(file)
	if err != nil {
		return Drop{}, false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Drop{}, false
	}
	rel = filepath.ToSlash(rel)
	if filepath.Ext(rel) != ".json" {
		return Drop{}, false
	}
	rel = strings.TrimSuffix(rel, ".json")
	dir, name := path.Dir(rel), path.Base(rel)

	var c schema.Collection
	var key string
	switch dir {
	case "reports":
		c, key = schema.Reports, name
	case "inventory":
		c, key = schema.Inventory, name
	case "inventory/purchases":
		c, key = schema.Inventory, schema.PurchasesKey(name)
	case "inventory/services":
		c, key = schema.Inventory, schema.ServicesKey(name)
	case "employees":
		c, key = schema.Employees, name
	default:
		return Drop{}, false
	}
	if c.ValidateKey(key) != nil {
		return Drop{}, false
	}
	return Drop{Path: absPath, Collection: c, Key: key}, true
}

// FileWatcher watches the inbox subdirectories for created or rewritten
// JSON files.
type FileWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	drops   chan Drop
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileWatcher creates a watcher for the inbox at root.
// The watcher must be started with Start() before it will emit drops.
func NewFileWatcher(root string) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		root:    root,
		watcher: watcher,
		drops:   make(chan Drop, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching every inbox subdirectory. The directories must exist.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	for _, dir := range watchedDirs {
		p := filepath.Join(fw.root, filepath.FromSlash(dir))
		if err := fw.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and closes the Drops and Errors channels.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.drops)
	close(fw.errors)

	return nil
}

// Drops returns the channel of routed file events.
func (fw *FileWatcher) Drops() <-chan Drop {
	return fw.drops
}

// Errors returns the channel of watcher errors.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			// Removals and renames away are not imports
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			drop, ok := Route(fw.root, event.Name)
			if !ok {
				continue
			}
			select {
			case fw.drops <- drop:
			case <-fw.done:
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}
