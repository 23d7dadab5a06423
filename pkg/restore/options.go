package restore

import (
	"github.com/richardartoul/cacherestore/pkg/extract"
)

// EntryFilter decides whether an archive entry is restored. path is the
// entry name as recorded in the archive. Returning an error, or panicking,
// aborts the restore; the restore then fails with that same error value.
type EntryFilter func(path string, entry *extract.Entry) (bool, error)

// Options configures a single restore.
type Options struct {
	// TargetDirectory is where the contents are restored. Relative paths are
	// resolved against the working directory; empty means the working
	// directory itself.
	TargetDirectory string

	// EntryFilter selects entries to restore. Nil restores everything.
	EntryFilter EntryFilter

	// Extract holds pass-through extraction settings, see extract.Config.Apply.
	// The target directory cannot be overridden here.
	Extract map[string]any
}
