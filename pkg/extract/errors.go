package extract

import (
	"errors"
	"fmt"
)

// Sentinel errors for extraction.
var (
	// ErrDecompression is matched by errors raised while decoding the
	// compressed archive stream. The decoder's own error stays reachable
	// through errors.Is and errors.As.
	ErrDecompression = errors.New("extract: decompression failed")

	// ErrInvalidEntry is matched by errors for archive entries that cannot be
	// extracted safely, such as paths escaping the target directory or
	// unsupported entry types.
	ErrInvalidEntry = errors.New("extract: invalid archive entry")

	// ErrInvalidSetting is matched by errors for malformed pass-through
	// settings.
	ErrInvalidSetting = errors.New("extract: invalid setting")
)

// DecompressError wraps a failure of the stream decoder.
type DecompressError struct {
	Format Format
	Err    error
}

func (e *DecompressError) Error() string {
	return fmt.Sprintf("extract: %s stream: %v", e.Format, e.Err)
}

func (e *DecompressError) Unwrap() []error {
	return []error{ErrDecompression, e.Err}
}

// InvalidEntryError reports an entry rejected in strict mode.
type InvalidEntryError struct {
	Path   string
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("extract: %s: %s", e.Path, e.Reason)
}

func (e *InvalidEntryError) Is(target error) bool {
	return target == ErrInvalidEntry
}

// SettingError reports a pass-through setting with a value of the wrong type.
type SettingError struct {
	Key   string
	Value any
	Want  string
}

func (e *SettingError) Error() string {
	return fmt.Sprintf("extract: setting %q must be %s, got %v (%T)", e.Key, e.Want, e.Value, e.Value)
}

func (e *SettingError) Is(target error) bool {
	return target == ErrInvalidSetting
}
