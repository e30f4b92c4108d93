package devicedb

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tripwire/udevd/internal/broker"
)

// FileStore implements Store as the literal /run/udev/data/<key> file
// contract (spec.md §6): one flat file per device, "E:KEY=value" lines for
// recorded properties. Tag membership is rendered as the real udev
// /run/udev/tags/<tag>/<key> symlink layout, and a ".tags" sidecar file
// under dataDir records which tags a device currently holds so UntagIndex
// does not need to scan every tag directory.
type FileStore struct {
	dataDir string
	tagsDir string
	logger  *slog.Logger

	mu sync.Mutex
}

// NewFileStore prepares a FileStore rooted at runDir (normally "/run/udev"),
// creating the "data" and "tags" subdirectories if they do not already
// exist.
func NewFileStore(runDir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir := filepath.Join(runDir, "data")
	tagsDir := filepath.Join(runDir, "tags")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("devicedb: mkdir %q: %w", dataDir, err)
	}
	if err := os.MkdirAll(tagsDir, 0o755); err != nil {
		return nil, fmt.Errorf("devicedb: mkdir %q: %w", tagsDir, err)
	}
	return &FileStore{dataDir: dataDir, tagsDir: tagsDir, logger: logger}, nil
}

// Record writes the device's property snapshot to its data file,
// overwriting any previous content.
func (s *FileStore) Record(d broker.Device, properties map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(d)
	path := filepath.Join(s.dataDir, key)

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "E:%s=%s\n", k, properties[k])
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("devicedb: record %q: %w", key, err)
	}
	return nil
}

// Delete removes the device's data file and every tag symlink it held.
func (s *FileStore) Delete(d broker.Device) error {
	if err := s.UntagIndex(d); err != nil {
		s.logger.Warn("devicedb: untag during delete failed", slog.String("key", Key(d)), slog.Any("error", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, Key(d))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("devicedb: delete %q: %w", Key(d), err)
	}
	return nil
}

// TagIndex creates a symlink under tagsDir/<tag>/<key> for every tag in
// tags, first removing any tags the device previously held that are not in
// the new set.
func (s *FileStore) TagIndex(d broker.Device, tags []string) error {
	if err := s.UntagIndex(d); err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(d)
	for _, tag := range tags {
		dir := filepath.Join(s.tagsDir, tag)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("devicedb: mkdir tag dir %q: %w", dir, err)
		}
		link := filepath.Join(dir, key)
		target := filepath.Join("..", "..", "data", key)
		_ = os.Remove(link)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("devicedb: tag %q: %w", tag, err)
		}
	}
	return s.writeTagSidecar(key, tags)
}

// UntagIndex removes every tag symlink the device currently holds,
// consulting the sidecar file written by the last TagIndex call so it does
// not have to walk every tag directory.
func (s *FileStore) UntagIndex(d broker.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(d)
	tags, err := s.readTagSidecar(key)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		link := filepath.Join(s.tagsDir, tag, key)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("devicedb: failed to remove tag symlink", slog.String("link", link), slog.Any("error", err))
		}
	}
	sidecar := s.sidecarPath(key)
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("devicedb: remove tag sidecar %q: %w", sidecar, err)
	}
	return nil
}

func (s *FileStore) sidecarPath(key string) string {
	return filepath.Join(s.dataDir, "."+key+".tags")
}

func (s *FileStore) writeTagSidecar(key string, tags []string) error {
	path := s.sidecarPath(key)
	if err := os.WriteFile(path, []byte(strings.Join(tags, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("devicedb: write tag sidecar %q: %w", path, err)
	}
	return nil
}

func (s *FileStore) readTagSidecar(key string) ([]string, error) {
	path := s.sidecarPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("devicedb: read tag sidecar %q: %w", path, err)
	}
	defer f.Close()

	var tags []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			tags = append(tags, line)
		}
	}
	return tags, scanner.Err()
}
