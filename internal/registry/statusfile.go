package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StatusFile reads and writes the last-known backend status array on disk,
// in the pgpool_status layout of spec.md §6 "Persistent state". Only explicit
// Write/Read calls touch the file: Registry.SetStatus does not rewrite it on
// a transition, and cmd/pgproxy neither reads it at startup nor writes it.
type StatusFile struct {
	path string
}

// NewStatusFile binds a StatusFile to a path (e.g. from config, default
// "pgpool_status" in the working directory).
func NewStatusFile(path string) *StatusFile {
	if path == "" {
		path = "pgpool_status"
	}
	return &StatusFile{path: path}
}

// Write rewrites the status file atomically: one "nodeID status" line per
// descriptor, in the order the descriptors are given.
func (f *StatusFile) Write(descriptors []BackendDescriptor) error {
	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("registry: creating status file: %w", err)
	}
	w := bufio.NewWriter(file)
	for _, d := range descriptors {
		if _, err := fmt.Fprintf(w, "%d %d\n", d.NodeID, int(d.Status)); err != nil {
			file.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Read loads a previously written status file, returning a nodeID→status
// map so the caller can seed a freshly started Registry's descriptors
// without waiting for the first health-check round.
func (f *StatusFile) Read() (map[int]NodeStatus, error) {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return map[int]NodeStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: reading status file: %w", err)
	}
	defer file.Close()

	out := make(map[int]NodeStatus)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		nodeID, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		status, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		out[nodeID] = NodeStatus(status)
	}
	return out, scanner.Err()
}
