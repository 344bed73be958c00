// Package unpack extracts export archives into a page directory.
//
// Extraction happens in fixed order: the archive is extracted as is, zip
// parts found at the top level are expanded in place, attachments are
// removed when files are excluded, and finally the tree is flattened when
// requested. Name collisions during flattening are resolved by appending
// _1, _2, ... before the extension, in lexical path order, so the outcome
// is deterministic.
package unpack

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for extraction.
var (
	notionUnpackedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_unpacked_files_total",
		Help: "Total files extracted from export archives",
	})

	notionAttachmentsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_attachments_removed_total",
		Help: "Total attachment files removed because files were excluded",
	})

	notionFlattenRenamesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_flatten_renames_total",
		Help: "Total files renamed to resolve collisions while flattening",
	})
)

// errUnsafePath is returned for entries that would land outside the
// destination directory.
var errUnsafePath = errors.New("entry path escapes destination")

// Options controls post-extraction processing.
type Options struct {
	// FlattenTree moves every file to the top level of the destination.
	FlattenTree bool

	// IncludeFiles keeps attachments. When false, every file whose
	// extension is not in DocumentExtensions is removed.
	IncludeFiles bool

	// DocumentExtensions lists lower-case extensions (with dot) that count
	// as documents.
	DocumentExtensions []string

	// KeepArchive leaves the source archive on disk after extraction.
	KeepArchive bool
}

// OptionsFor derives unpack options from an export configuration.
func OptionsFor(cfg export.Config) Options {
	return Options{
		FlattenTree:        cfg.FlattenTree,
		IncludeFiles:       cfg.IncludeFiles,
		DocumentExtensions: cfg.Format.DocumentExtensions(),
	}
}

// Stats summarizes one extraction.
type Stats struct {
	Files          int
	NestedArchives int
	Removed        int
	Renamed        int
}

// Unpacker extracts archives.
type Unpacker struct {
	logger zerolog.Logger
}

// New creates an unpacker.
func New(logger zerolog.Logger) *Unpacker {
	return &Unpacker{logger: logger}
}

// Unpack extracts archivePath into destDir and applies opts. The archive is
// deleted after successful extraction unless opts.KeepArchive is set.
// Errors are *export.UnpackError.
func (u *Unpacker) Unpack(archivePath, destDir string, opts Options) (Stats, error) {
	var stats Stats

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return stats, &export.UnpackError{Archive: archivePath, Err: err}
	}

	n, err := extractZip(archivePath, destDir)
	if err != nil {
		return stats, err
	}
	stats.Files = n

	nested, files, err := expandParts(destDir)
	if err != nil {
		return stats, err
	}
	stats.NestedArchives = nested
	stats.Files += files - nested

	if !opts.IncludeFiles {
		removed, err := removeAttachments(destDir, opts.DocumentExtensions)
		if err != nil {
			return stats, &export.UnpackError{Archive: archivePath, Err: err}
		}
		stats.Removed = removed
		stats.Files -= removed
	}

	if opts.FlattenTree {
		renamed, err := flatten(destDir)
		if err != nil {
			return stats, &export.UnpackError{Archive: archivePath, Err: err}
		}
		stats.Renamed = renamed
	}

	if err := removeEmptyDirs(destDir); err != nil {
		return stats, &export.UnpackError{Archive: archivePath, Err: err}
	}

	if !opts.KeepArchive {
		if err := os.Remove(archivePath); err != nil {
			return stats, &export.UnpackError{Archive: archivePath, Err: fmt.Errorf("remove archive: %w", err)}
		}
	}

	notionUnpackedFilesTotal.Add(float64(stats.Files))
	notionAttachmentsRemovedTotal.Add(float64(stats.Removed))
	notionFlattenRenamesTotal.Add(float64(stats.Renamed))

	u.logger.Debug().
		Str("archive", archivePath).
		Str("path", destDir).
		Int("files", stats.Files).
		Int("nested", stats.NestedArchives).
		Int("removed", stats.Removed).
		Int("renamed", stats.Renamed).
		Msg("Archive unpacked")

	return stats, nil
}

// extractZip writes every entry of archivePath below destDir and returns
// the number of files written.
func extractZip(archivePath, destDir string) (int, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return 0, &export.UnpackError{Archive: archivePath, Err: err}
	}
	defer zr.Close()

	entries := make([]*zip.File, len(zr.File))
	copy(entries, zr.File)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	files := 0
	for _, f := range entries {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return files, &export.UnpackError{Archive: archivePath, Entry: f.Name, Err: err}
		}

		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, &export.UnpackError{Archive: archivePath, Entry: f.Name, Err: err}
			}
			continue
		case mode&fs.ModeSymlink != 0 || !mode.IsRegular():
			// Links and devices have no place in a document export.
			continue
		}

		if err := extractFile(f, target); err != nil {
			return files, &export.UnpackError{Archive: archivePath, Entry: f.Name, Err: err}
		}
		files++
	}

	return files, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin resolves an entry name below dir, rejecting absolute paths and
// parent traversal.
func safeJoin(dir, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", errUnsafePath
	}
	target := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errUnsafePath
	}
	return target, nil
}

// partName matches the split archives Notion writes for large exports,
// such as Part-1.zip or Export-0123abcd-Part-2.zip.
var partName = regexp.MustCompile(`(?i)(^|[-_ ])part-\d+\.zip$`)

// expandParts extracts the split parts of a large export found directly in
// dir and removes them. It does nothing unless every top-level entry is a
// part, so zip files uploaded to Notion are kept as attachments. It returns
// the number of parts and the number of files they contained.
func expandParts(dir string) (parts, files int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, &export.UnpackError{Archive: dir, Err: err}
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	for _, e := range entries {
		if e.IsDir() || !partName.MatchString(e.Name()) {
			return 0, 0, nil
		}
	}

	for _, e := range entries {
		part := filepath.Join(dir, e.Name())
		n, err := extractZip(part, dir)
		if err != nil {
			return parts, files, err
		}
		if err := os.Remove(part); err != nil {
			return parts, files, &export.UnpackError{Archive: part, Err: err}
		}
		parts++
		files += n
	}
	return parts, files, nil
}

// removeAttachments deletes every file below dir whose extension is not a
// document extension.
func removeAttachments(dir string, documentExts []string) (int, error) {
	keep := make(map[string]bool, len(documentExts))
	for _, ext := range documentExts {
		keep[strings.ToLower(ext)] = true
	}

	var attachments []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && !keep[strings.ToLower(filepath.Ext(path))] {
			attachments = append(attachments, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, path := range attachments {
		if err := os.Remove(path); err != nil {
			return 0, err
		}
	}
	return len(attachments), nil
}

// flatten moves every nested file to the top level of dir. Entries already
// at the top level, files and directories alike, keep their names; nested
// files that collide with any of them get a numeric suffix. Names are
// compared case-insensitively so the result is the same on
// case-insensitive filesystems.
func flatten(dir string) (int, error) {
	var nested []string
	taken := make(map[string]bool)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if filepath.Dir(path) == dir {
			taken[strings.ToLower(d.Name())] = true
		} else if d.Type().IsRegular() {
			nested = append(nested, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	renamed := 0
	for _, path := range nested {
		base := filepath.Base(path)
		name := UniqueName(base, taken)
		taken[strings.ToLower(name)] = true
		if name != base {
			renamed++
		}
		if err := os.Rename(path, filepath.Join(dir, name)); err != nil {
			return renamed, err
		}
	}
	return renamed, nil
}

// UniqueName returns name, or name with _1, _2, ... inserted before the
// extension, choosing the first candidate whose lower-cased form is not in
// taken.
func UniqueName(name string, taken map[string]bool) string {
	if !taken[strings.ToLower(name)] {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !taken[strings.ToLower(candidate)] {
			return candidate
		}
	}
}

// removeEmptyDirs deletes empty directories below dir, deepest first.
func removeEmptyDirs(dir string) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			if err := os.Remove(dirs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
