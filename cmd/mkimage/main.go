// Command mkimage builds the two on-disk images the kernel boots against:
// a CPIO (odc) archive used as the initial RAM filesystem, and a FAT12
// floppy image used as the kernel's read-only secondary drive. It is a
// hosted tool; none of its code is linked into the kernel binary.
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"nx32/cmd/mkimage/internal/cpio"
	"nx32/cmd/mkimage/internal/fat12"
)

func main() {
	var (
		initfsDir = pflag.String("initfs-dir", "", "directory tree to archive into the CPIO initfs image")
		initfsOut = pflag.String("initfs-out", "", "output path for the CPIO initfs image")
		fat12Dir  = pflag.String("fat12-dir", "", "directory tree to place in the FAT12 image's root directory")
		fat12Out  = pflag.String("fat12-out", "", "output path for the FAT12 image")
	)
	pflag.Parse()

	if *initfsDir == "" && *fat12Dir == "" {
		fmt.Fprintln(os.Stderr, "mkimage: at least one of --initfs-dir or --fat12-dir is required")
		pflag.Usage()
		os.Exit(2)
	}

	if *initfsDir != "" {
		if err := buildInitfs(*initfsDir, *initfsOut); err != nil {
			fmt.Fprintf(os.Stderr, "mkimage: building initfs: %+v\n", err)
			os.Exit(1)
		}
	}

	if *fat12Dir != "" {
		if err := buildFAT12(*fat12Dir, *fat12Out); err != nil {
			fmt.Fprintf(os.Stderr, "mkimage: building FAT12 image: %+v\n", err)
			os.Exit(1)
		}
	}
}

func buildInitfs(dir, out string) error {
	entries, err := readTree(dir)
	if err != nil {
		return errors.Wrap(err, "reading initfs source tree")
	}

	cpioEntries := make([]cpio.Entry, len(entries))
	for i, e := range entries {
		cpioEntries[i] = cpio.Entry{Name: e.name, Mode: 0100644, Data: e.data}
	}

	f, err := os.Create(out)
	if err != nil {
		return errors.Wrapf(err, "creating %q", out)
	}
	defer f.Close()

	if err := cpio.Write(f, cpioEntries); err != nil {
		return errors.Wrap(err, "writing CPIO archive")
	}
	return nil
}

func buildFAT12(dir, out string) error {
	entries, err := readTree(dir)
	if err != nil {
		return errors.Wrap(err, "reading FAT12 source tree")
	}

	files := make([]fat12.File, len(entries))
	for i, e := range entries {
		files[i] = fat12.File{Name: filepath.Base(e.name), Data: e.data}
	}

	image, err := fat12.Build(files)
	if err != nil {
		return errors.Wrap(err, "building FAT12 image")
	}

	return errors.Wrap(os.WriteFile(out, image, 0644), "writing FAT12 image")
}

type treeEntry struct {
	name string
	data []byte
}

// readTree walks dir and returns every regular file as a slash-separated
// path relative to dir, matching how the kernel's CPIO driver expects
// archive member names to be rooted.
func readTree(dir string) ([]treeEntry, error) {
	var entries []treeEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		data, err := readFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %q", path)
		}
		entries = append(entries, treeEntry{name: filepath.ToSlash(rel), data: data})
		return nil
	})
	return entries, err
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
