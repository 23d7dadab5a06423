package restore

import (
	"errors"

	"github.com/richardartoul/cacherestore/pkg/extract"
)

// Record keys recognized by ParseArgs. Both the short and the descriptive
// spelling are accepted.
var (
	dirKeys    = []string{"cwd", "targetDirectory"}
	filterKeys = []string{"filter", "entryFilter"}
)

// ParseArgs validates a dynamically typed restore call: a string key
// optionally followed by options, given as Options, a non-nil *Options, or a
// plain map[string]any record. It performs no I/O.
func ParseArgs(args ...any) (string, Options, error) {
	if len(args) != 1 && len(args) != 2 {
		return "", Options{}, &ArgCountError{Got: len(args)}
	}

	key, ok := args[0].(string)
	if !ok {
		return "", Options{}, &ArgTypeError{Arg: "key", Value: args[0]}
	}
	if len(args) == 1 {
		return key, Options{}, nil
	}

	switch v := args[1].(type) {
	case Options:
		return key, v, nil
	case *Options:
		if v == nil {
			return "", Options{}, &ArgTypeError{Arg: "options", Value: args[1]}
		}
		return key, *v, nil
	case map[string]any:
		opts, err := optionsFromRecord(v)
		if err != nil {
			return "", Options{}, err
		}
		return key, opts, nil
	default:
		return "", Options{}, &ArgTypeError{Arg: "options", Value: args[1]}
	}
}

// optionsFromRecord converts a plain record. The directory and filter keys
// are checked, in that order, and every other key is passed through to the
// extraction settings. Nil values count as absent.
func optionsFromRecord(record map[string]any) (Options, error) {
	var opts Options
	consumed := make(map[string]bool)

	for _, k := range dirKeys {
		v, ok := record[k]
		if !ok {
			continue
		}
		consumed[k] = true
		if v == nil {
			continue
		}
		dir, ok := v.(string)
		if !ok {
			return Options{}, &OptionValueError{Option: "cwd", Value: v}
		}
		opts.TargetDirectory = dir
	}

	for _, k := range filterKeys {
		v, ok := record[k]
		if !ok {
			continue
		}
		consumed[k] = true
		if v == nil {
			continue
		}
		filter, ok := toEntryFilter(v)
		if !ok {
			return Options{}, &OptionValueError{Option: "filter", Value: v}
		}
		opts.EntryFilter = filter
	}

	for k, v := range record {
		if consumed[k] {
			continue
		}
		if opts.Extract == nil {
			opts.Extract = make(map[string]any)
		}
		opts.Extract[k] = v
	}
	return opts, nil
}

// toEntryFilter accepts the function shapes a caller may reasonably supply.
func toEntryFilter(v any) (EntryFilter, bool) {
	switch f := v.(type) {
	case EntryFilter:
		return f, f != nil
	case func(string, *extract.Entry) (bool, error):
		return f, f != nil
	case func(string, *extract.Entry) bool:
		if f == nil {
			return nil, false
		}
		return func(path string, entry *extract.Entry) (bool, error) {
			return f(path, entry), nil
		}, true
	default:
		return nil, false
	}
}

// extractConfig builds the engine configuration for dir: strict by default,
// overridden by the pass-through settings, with dir always winning.
func extractConfig(dir string, opts Options) (extract.Config, []string, error) {
	cfg := extract.DefaultConfig(dir)
	unknown, err := cfg.Apply(opts.Extract)
	if err != nil {
		valueErr := &OptionValueError{Option: "extract", Err: err}
		var settingErr *extract.SettingError
		if errors.As(err, &settingErr) {
			valueErr.Option = settingErr.Key
			valueErr.Value = settingErr.Value
		}
		return extract.Config{}, nil, valueErr
	}
	cfg.Dir = dir
	cfg.Filter = wrapFilter(opts.EntryFilter)
	return cfg, unknown, nil
}
