// Package cpio writes the "odc" (POSIX portable ASCII) cpio archive format
// that kernel/fs's CPIO filesystem driver reads back as the kernel's
// initial RAM filesystem. Every numeric header field is a fixed-width
// ASCII-octal string, and the archive ends with a zero-length
// "TRAILER!!!" entry.
package cpio

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// magic is the odc header's leading 6-byte field, spec.md's "magic 0x71C7"
// expressed as the fixed ASCII string readers compare against.
const magic = "070707"

const trailerName = "TRAILER!!!"

// Entry is a single file to be archived. Name is the path as it will be
// looked up inside the kernel's CPIO filesystem (no leading slash).
type Entry struct {
	Name string
	Mode uint32
	Data []byte
}

// Write serializes entries, sorted by Name for reproducible output, as an
// odc archive terminated by the standard trailer record.
func Write(w io.Writer, entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for i, e := range sorted {
		if err := writeEntry(w, e.Name, e.Mode, e.Data, uint32(i+1)); err != nil {
			return errors.Wrapf(err, "writing entry %q", e.Name)
		}
	}
	return writeEntry(w, trailerName, 0, nil, uint32(len(sorted)+1))
}

func writeEntry(w io.Writer, name string, mode uint32, data []byte, ino uint32) error {
	nameField := name + "\x00"

	header := fmt.Sprintf(
		"%s%06o%06o%06o%06o%06o%06o%06o%011o%06o%011o",
		magic,
		0,            // c_dev
		ino,          // c_ino
		mode,         // c_mode
		0,            // c_uid
		0,            // c_gid
		1,            // c_nlink
		0,            // c_rdev
		0,            // c_mtime
		len(nameField),
		len(data),
	)

	if _, err := io.WriteString(w, header); err != nil {
		return errors.Wrap(err, "writing header")
	}
	if _, err := io.WriteString(w, nameField); err != nil {
		return errors.Wrap(err, "writing name")
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "writing data")
	}
	return nil
}
