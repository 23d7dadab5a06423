package main

import (
	"fmt"
	"path"
	"strings"

	"github.com/richardartoul/cacherestore/pkg/extract"
	"github.com/richardartoul/cacherestore/pkg/restore"
)

// excludeFilter returns an entry filter that skips entries whose archive
// path, or its last element, matches any of the glob patterns.
func excludeFilter(patterns []string) (restore.EntryFilter, error) {
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}

	return func(name string, _ *extract.Entry) (bool, error) {
		name = strings.TrimSuffix(name, "/")
		base := path.Base(name)
		for _, p := range patterns {
			// Patterns were validated above.
			if ok, _ := path.Match(p, name); ok {
				return false, nil
			}
			if ok, _ := path.Match(p, base); ok {
				return false, nil
			}
		}
		return true, nil
	}, nil
}
