package extract

import (
	"math"
	"sort"
)

// Config configures an Unpacker.
type Config struct {
	// Dir is the directory entries are extracted into. It is required.
	Dir string
	// Strict turns entries that cannot be extracted safely into fatal errors
	// instead of skipping them with a warning.
	Strict bool
	// Filter decides per entry whether it is extracted. Nil includes all.
	Filter Filter
	// Strip removes this many leading path components from entry names.
	// Entries with nothing left after stripping are skipped.
	Strip int
	// PreserveMode applies permission bits from the archive.
	PreserveMode bool
	// PreserveTimes applies modification times from the archive.
	PreserveTimes bool
	// Keep leaves existing files in place instead of replacing them.
	Keep bool
	// MaxFileSize rejects regular files larger than this many bytes.
	// Zero means no limit.
	MaxFileSize int64
}

// DefaultConfig returns the strict configuration used for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		Strict:       true,
		PreserveMode: true,
	}
}

// Apply overrides c with pass-through settings. Recognized keys are strict,
// strip, preserveMode, preserveTimes, keep and maxFileSize. Apply returns the
// unrecognized keys in sorted order so callers can report them.
func (c *Config) Apply(settings map[string]any) ([]string, error) {
	var unknown []string
	for key, value := range settings {
		var err error
		switch key {
		case "strict":
			c.Strict, err = boolSetting(key, value)
		case "preserveMode":
			c.PreserveMode, err = boolSetting(key, value)
		case "preserveTimes":
			c.PreserveTimes, err = boolSetting(key, value)
		case "keep":
			c.Keep, err = boolSetting(key, value)
		case "strip":
			var n int64
			n, err = intSetting(key, value)
			c.Strip = int(n)
		case "maxFileSize":
			c.MaxFileSize, err = intSetting(key, value)
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func boolSetting(key string, value any) (bool, error) {
	b, ok := value.(bool)
	if !ok {
		return false, &SettingError{Key: key, Value: value, Want: "a bool"}
	}
	return b, nil
}

// intSetting accepts any integer type, and floats holding whole numbers
// since decoded JSON records carry numbers as float64.
func intSetting(key string, value any) (int64, error) {
	bad := &SettingError{Key: key, Value: value, Want: "a non-negative integer"}
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint:
		if uint64(v) > math.MaxInt32 {
			return 0, bad
		}
		n = int64(v) //nolint:gosec // bounded above
	case uint32:
		n = int64(v)
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 {
			return 0, bad
		}
		n = int64(v)
	default:
		return 0, bad
	}
	if n < 0 || n > math.MaxInt32 {
		return 0, bad
	}
	return n, nil
}
