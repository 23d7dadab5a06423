package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
	"github.com/richardartoul/cacherestore/pkg/extract"
)

// Sentinel errors for restore failures raised by this package. Failures
// raised by collaborators keep their own identity: cache misses match
// cachestore.ErrNotFound, corrupt archives match extract.ErrDecompression,
// and filter errors are returned exactly as the filter produced them.
var (
	ErrArgCount        = errors.New("restore: wrong number of arguments")
	ErrInvalidArgType  = errors.New("restore: invalid argument type")
	ErrInvalidOptValue = errors.New("restore: invalid option value")
	ErrEmptyArchive    = errors.New("restore: archive contains nothing")
)

// ArgCountError reports a call with other than one or two arguments.
type ArgCountError struct {
	Got int
}

func (e *ArgCountError) Error() string {
	got := "no"
	if e.Got > 0 {
		got = fmt.Sprint(e.Got)
	}
	return fmt.Sprintf("expected 1 or 2 arguments (<string>[, <Options>]), but got %s arguments", got)
}

func (e *ArgCountError) Is(target error) bool { return target == ErrArgCount }

// ArgTypeError reports a positional argument of the wrong type.
type ArgTypeError struct {
	// Arg is "key" or "options".
	Arg   string
	Value any
}

func (e *ArgTypeError) Error() string {
	if e.Arg == "key" {
		return fmt.Sprintf("expected a key (<string>) of a cache entry to restore its contents, but got a non-string value %s", describe(e.Value))
	}
	return fmt.Sprintf("expected restore options (<Options> or <map[string]any>), but got %s", describe(e.Value))
}

func (e *ArgTypeError) Is(target error) bool { return target == ErrInvalidArgType }

// OptionValueError reports a recognized option holding a bad value.
type OptionValueError struct {
	Option string
	Value  any
	// Err is the underlying cause, if any.
	Err error
}

func (e *OptionValueError) Error() string {
	switch e.Option {
	case "cwd":
		return fmt.Sprintf("expected `cwd` option to be a <string> where the contents will be restored, but a non-string value %s was provided", describe(e.Value))
	case "filter":
		what := "a non-function value"
		if e.Value != nil && reflect.TypeOf(e.Value).Kind() == reflect.Func {
			what = "a function of the wrong type"
		}
		return fmt.Sprintf("expected `filter` option to be a <func(string, *extract.Entry) (bool, error)>, but %s %s was provided", what, describe(e.Value))
	default:
		return fmt.Sprintf("invalid `%s` option: %v", e.Option, e.Err)
	}
}

func (e *OptionValueError) Is(target error) bool { return target == ErrInvalidOptValue }

func (e *OptionValueError) Unwrap() error { return e.Err }

// EmptyArchiveError reports an archive that extracted cleanly but held no
// entries. Path is the storage path captured when the entry was looked up.
type EmptyArchiveError struct {
	Path string
}

func (e *EmptyArchiveError) Error() string {
	return fmt.Sprintf("tried to extract files from %s, but couldn't because it contains nothing", e.Path)
}

func (e *EmptyArchiveError) Is(target error) bool { return target == ErrEmptyArchive }

// Kind classifies the outcome of a restore.
type Kind string

const (
	KindSuccess      Kind = "success"
	KindArgCount     Kind = "arg_count"
	KindArgType      Kind = "arg_type"
	KindOptionValue  Kind = "option_value"
	KindCacheMiss    Kind = "cache_miss"
	KindFilesystem   Kind = "filesystem"
	KindCorrupt      Kind = "corrupt_archive"
	KindInvalidEntry Kind = "invalid_entry"
	KindFilter       Kind = "filter"
	KindEmpty        Kind = "empty_archive"
	KindCanceled     Kind = "canceled"
	KindOther        Kind = "other"
)

// Kinds returns every outcome kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindSuccess, KindArgCount, KindArgType, KindOptionValue, KindCacheMiss, KindFilesystem,
		KindCorrupt, KindInvalidEntry, KindFilter, KindEmpty, KindCanceled, KindOther,
	}
}

// Classify maps err to its outcome kind. Filter errors are arbitrary caller
// values and cannot be recognized from the error alone; they classify by
// what they wrap, usually KindOther. Restorer reports them as KindFilter.
func Classify(err error) Kind {
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	switch {
	case err == nil:
		return KindSuccess
	case errors.Is(err, ErrArgCount):
		return KindArgCount
	case errors.Is(err, ErrInvalidArgType):
		return KindArgType
	case errors.Is(err, ErrInvalidOptValue):
		return KindOptionValue
	case errors.Is(err, cachestore.ErrNotFound):
		return KindCacheMiss
	case errors.Is(err, ErrEmptyArchive):
		return KindEmpty
	case errors.Is(err, extract.ErrDecompression):
		return KindCorrupt
	case errors.Is(err, extract.ErrInvalidEntry):
		return KindInvalidEntry
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &pathErr), errors.As(err, &linkErr):
		return KindFilesystem
	default:
		return KindOther
	}
}
