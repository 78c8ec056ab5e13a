package resource

import (
	"errors"
	"fmt"
)

// Stack records release functions and runs them in reverse order of acquisition.
type Stack struct {
	entries []stackEntry
}

type stackEntry struct {
	name    string
	release func() error
}

// Push records the release function for a newly acquired resource.
func (s *Stack) Push(name string, release func() error) {
	if release == nil {
		return
	}
	s.entries = append(s.entries, stackEntry{name: name, release: release})
}

// Len reports how many releases are pending.
func (s *Stack) Len() int {
	return len(s.entries)
}

// Release runs every pending release once, newest first. All releases run even when
// some fail; failures are joined into the returned error. Calling Release again is a no-op.
func (s *Stack) Release() error {
	var errs []error
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if err := e.release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", e.name, err))
		}
	}
	s.entries = nil
	return errors.Join(errs...)
}
