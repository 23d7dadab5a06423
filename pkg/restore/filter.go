package restore

import (
	"fmt"

	"github.com/richardartoul/cacherestore/pkg/extract"
)

// filterError carries a caller filter's error through the extraction engine
// so the orchestrator can tell it apart from engine failures. Restorer
// unwraps it before returning, so callers see the original value.
type filterError struct {
	err error
}

func (e *filterError) Error() string { return e.err.Error() }

func (e *filterError) Unwrap() error { return e.err }

// wrapFilter returns the engine filter installed on every restore. Caller
// errors and panics become extract.Fail decisions instead of escaping into
// the engine.
func wrapFilter(filter EntryFilter) extract.Filter {
	if filter == nil {
		return func(string, *extract.Entry) extract.Decision {
			return extract.Include()
		}
	}
	return func(path string, entry *extract.Entry) (decision extract.Decision) {
		defer func() {
			if p := recover(); p != nil {
				decision = extract.Fail(&filterError{err: panicError(p)})
			}
		}()

		include, err := filter(path, entry)
		if err != nil {
			return extract.Fail(&filterError{err: err})
		}
		if !include {
			return extract.Exclude()
		}
		return extract.Include()
	}
}

// panicError keeps error panic values as they are.
func panicError(p any) error {
	if err, ok := p.(error); ok {
		return err
	}
	return fmt.Errorf("restore: entry filter panicked: %v", p)
}
