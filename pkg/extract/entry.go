package extract

import (
	"archive/tar"
	"io/fs"
	"time"
)

// EntryType classifies an archive entry.
type EntryType uint8

const (
	TypeFile EntryType = iota
	TypeDirectory
	TypeSymlink
	TypeLink
	TypeOther
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "File"
	case TypeDirectory:
		return "Directory"
	case TypeSymlink:
		return "SymbolicLink"
	case TypeLink:
		return "Link"
	default:
		return "Other"
	}
}

// Entry describes an archive entry as presented to a Filter.
type Entry struct {
	// Path is the entry name exactly as recorded in the archive.
	Path     string
	Type     EntryType
	Mode     fs.FileMode
	Size     int64
	ModTime  time.Time
	Linkname string
	// Header is the raw tar header.
	Header *tar.Header
}

func newEntry(hdr *tar.Header) *Entry {
	return &Entry{
		Path:     hdr.Name,
		Type:     entryType(hdr.Typeflag),
		Mode:     fs.FileMode(hdr.Mode).Perm(), //nolint:gosec // tar modes are 12-bit
		Size:     hdr.Size,
		ModTime:  hdr.ModTime,
		Linkname: hdr.Linkname,
		Header:   hdr,
	}
}

func entryType(flag byte) EntryType {
	switch flag {
	case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old archives still use TypeRegA
		return TypeFile
	case tar.TypeDir:
		return TypeDirectory
	case tar.TypeSymlink:
		return TypeSymlink
	case tar.TypeLink:
		return TypeLink
	default:
		return TypeOther
	}
}

// Action is the outcome of filtering one entry.
type Action uint8

const (
	ActionInclude Action = iota
	ActionExclude
	ActionFail
)

// Decision is what a Filter returns for an entry. A Decision with
// ActionFail carries the error that terminates extraction.
type Decision struct {
	Action Action
	Err    error
}

// Include extracts the entry.
func Include() Decision { return Decision{Action: ActionInclude} }

// Exclude skips the entry.
func Exclude() Decision { return Decision{Action: ActionExclude} }

// Fail skips the entry and stops extraction; Run returns err unchanged.
func Fail(err error) Decision { return Decision{Action: ActionFail, Err: err} }

// Filter decides whether an entry is extracted.
type Filter func(path string, entry *Entry) Decision
