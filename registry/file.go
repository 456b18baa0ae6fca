package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/signway-gateway/signway/canonical"
)

// fileRecord is the on-disk shape of a single client record.
type fileRecord struct {
	ID            string            `yaml:"id"`
	Secret        string            `yaml:"secret"`
	HeaderOverlay map[string]string `yaml:"header_overlay"`
	AllowedHosts  []string          `yaml:"allowed_hosts"`
}

// fileDocument is the top-level YAML shape: a list of client records.
type fileDocument struct {
	Clients []fileRecord `yaml:"clients"`
}

// LoadFile parses a YAML client-record file into Record values. Secrets
// are stored as plain text in the source file — a conservative,
// self-contained starting point; operators who need secret-store-backed
// records implement Registry directly against their own storage.
func LoadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}

	records := make([]Record, 0, len(doc.Clients))
	for _, fr := range doc.Clients {
		if fr.ID == "" || fr.Secret == "" {
			return nil, fmt.Errorf("registry: %s: client record missing id or secret", path)
		}
		overlay := make([]HeaderPair, 0, len(fr.HeaderOverlay))
		for name, value := range fr.HeaderOverlay {
			overlay = append(overlay, HeaderPair{Name: name, Value: value})
		}
		records = append(records, Record{
			ID:                fr.ID,
			Secret:            []byte(fr.Secret),
			HeaderOverlay:     overlay,
			AllowedHosts:      fr.AllowedHosts,
			AllowedAlgorithms: []canonical.Algorithm{canonical.SW1HMACSHA256},
		})
	}
	return records, nil
}

// FileWatcher wraps a Static registry, reloading it from a YAML file
// whenever the file's mtime advances — a concrete, library-backed parser
// instead of a bespoke format.
type FileWatcher struct {
	*Static

	path string
	log  *logrus.Entry

	mu      sync.Mutex
	modTime time.Time
	stop    chan struct{}
}

// NewFileWatcher loads path immediately and returns a watcher ready to
// poll for changes via Watch.
func NewFileWatcher(path string, log *logrus.Entry) (*FileWatcher, error) {
	fw := &FileWatcher{
		Static: NewStatic(),
		path:   path,
		log:    log,
		stop:   make(chan struct{}),
	}
	if err := fw.reload(); err != nil {
		return nil, err
	}
	return fw, nil
}

func (fw *FileWatcher) reload() error {
	info, err := os.Stat(fw.path)
	if err != nil {
		return fmt.Errorf("registry: stat %s: %w", fw.path, err)
	}

	records, err := LoadFile(fw.path)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	fw.modTime = info.ModTime()
	fw.mu.Unlock()

	fw.Static.Reload(records)
	return nil
}

// Watch polls for mtime changes every interval until ctx-like stop is
// requested via Close. Reload errors are logged, not fatal — the registry
// keeps serving its last-known-good snapshot.
func (fw *FileWatcher) Watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-fw.stop:
			return
		case <-ticker.C:
			info, err := os.Stat(fw.path)
			if err != nil {
				if fw.log != nil {
					fw.log.WithError(err).Warn("registry: stat failed during poll")
				}
				continue
			}

			fw.mu.Lock()
			changed := info.ModTime().After(fw.modTime)
			fw.mu.Unlock()
			if !changed {
				continue
			}

			if err := fw.reload(); err != nil {
				if fw.log != nil {
					fw.log.WithError(err).Warn("registry: reload failed, keeping previous snapshot")
				}
				continue
			}
			if fw.log != nil {
				fw.log.WithField("clients", fw.Static.Len()).Info("registry: reloaded")
			}
		}
	}
}

// Close stops Watch.
func (fw *FileWatcher) Close() {
	close(fw.stop)
}
