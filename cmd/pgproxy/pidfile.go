package main

import (
	"fmt"
	"os"
)

// writePIDFile records the running process's PID at path, mirroring
// pgpool-II's own pgpool.pid so an operator's init script can signal this
// process without scraping `ps`. Returns a cleanup func that removes it.
func writePIDFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("pgproxy: writing pid file %s: %w", path, err)
	}
	return func() { _ = os.Remove(path) }, nil
}
