package ingest

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Missing journals item ids the upstream returns nothing for, so
// backfills do not refetch known holes. An update event naming a
// missing id is still rechecked by the caller.
type Missing struct {
	mu   sync.Mutex
	ids  map[int64]struct{}
	file *os.File
}

// OpenMissing loads (creating if absent) the one-id-per-line journal.
func OpenMissing(path string) (*Missing, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening missing-id journal %s: %w", path, err)
	}
	m := &Missing{ids: make(map[int64]struct{}), file: f}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		m.ids[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading missing-id journal %s: %w", path, err)
	}
	return m, nil
}

func (m *Missing) Has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

// Add records id, appending to the journal on first sight.
func (m *Missing) Add(id int64) {
	if id <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return
	}
	m.ids[id] = struct{}{}
	if m.file != nil {
		fmt.Fprintf(m.file, "%d\n", id)
	}
}

func (m *Missing) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

func (m *Missing) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
