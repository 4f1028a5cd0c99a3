// Package bundle reads and writes offline backups of a container's
// ciphertext blobs as a deterministic TAR archive.
//
// Layout:
//
//	blobs/<ref>   one regular file per blob, named by its backend ref
//	index.json    optional, non-authoritative summary
//
// Blobs stay encrypted; a bundle grants nothing without key server
// approval.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 1

// MaxBlobSize bounds a single entry read during Import.
const MaxBlobSize = 64 << 20

var epoch0 = time.Unix(0, 0).UTC()

// Fetcher reads blob bytes by ref. *storage.Reader satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// Container is recorded in the index.
	Container string
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
}

// Index is the decoded index.json.
type Index struct {
	Version   int     `json:"version"`
	Container string  `json:"container,omitempty"`
	Blobs     []Entry `json:"blobs"`
}

type Entry struct {
	Ref  string `json:"ref"`
	Size int    `json:"size"`
}

// Export writes a bundle containing the blobs for refs, fetched through f.
//
// The bundle bytes are deterministic: entry order is lexicographic and TAR
// headers are normalized. Refs that are CIDs are checked against the
// fetched bytes.
func Export(ctx context.Context, w io.Writer, f Fetcher, refs []string, opts ExportOptions) error {
	if f == nil {
		return fmt.Errorf("bundle: nil fetcher")
	}

	uniq := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if !validRef(ref) {
			return fmt.Errorf("bundle: %w: %q", storage.ErrInvalidRef, ref)
		}
		uniq[ref] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for ref := range uniq {
		sorted = append(sorted, ref)
	}
	sort.Strings(sorted)

	tw := tar.NewWriter(w)

	entries := make([]Entry, 0, len(sorted))
	for _, ref := range sorted {
		if err := ctx.Err(); err != nil {
			_ = tw.Close()
			return err
		}
		b, err := f.Fetch(ctx, ref)
		if err != nil {
			_ = tw.Close()
			return fmt.Errorf("bundle: fetch %s: %w", ref, err)
		}
		if _, matches, ok := cidutil.VerifyRef(ref, b); ok && !matches {
			_ = tw.Close()
			return storage.ErrRefMismatch
		}
		if err := writeFile(tw, "blobs/"+ref, b); err != nil {
			_ = tw.Close()
			return err
		}
		entries = append(entries, Entry{Ref: ref, Size: len(b)})
	}

	if opts.IncludeIndex {
		b, err := json.Marshal(Index{Version: FormatVersion, Container: opts.Container, Blobs: entries})
		if err != nil {
			_ = tw.Close()
			return err
		}
		if err := writeFile(tw, "index.json", append(b, '\n')); err != nil {
			_ = tw.Close()
			return err
		}
	}

	return tw.Close()
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool
}

// Import reads a bundle from r and calls fn for every blob in archive
// order. It returns the index if the bundle carried one.
//
// Refs that are CIDs must match the entry bytes. Duplicate entries are
// rejected.
func Import(r io.Reader, opts ImportOptions, fn func(ref string, data []byte) error) (*Index, error) {
	if fn == nil {
		return nil, fmt.Errorf("bundle: nil visitor")
	}

	tr := tar.NewReader(r)
	seen := map[string]struct{}{}
	var idx *Index

	for {
		h, err := tr.Next()
		if err == io.EOF {
			return idx, nil
		}
		if err != nil {
			return nil, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return nil, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return nil, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}
		if h.Size > MaxBlobSize {
			return nil, fmt.Errorf("bundle: entry %s exceeds %d bytes", name, MaxBlobSize)
		}

		if name == "index.json" {
			var decoded Index
			if err := json.NewDecoder(tr).Decode(&decoded); err != nil {
				return nil, fmt.Errorf("bundle: index: %w", err)
			}
			idx = &decoded
			continue
		}

		ref, ok := strings.CutPrefix(name, "blobs/")
		if !ok || !validRef(ref) {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return nil, fmt.Errorf("bundle: unknown entry: %s", name)
		}
		if _, dup := seen[ref]; dup {
			return nil, fmt.Errorf("bundle: duplicate blob entry: %s", ref)
		}
		seen[ref] = struct{}{}

		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if _, matches, ok := cidutil.VerifyRef(ref, payload); ok && !matches {
			return nil, storage.ErrRefMismatch
		}
		if err := fn(ref, payload); err != nil {
			return nil, err
		}
	}
}

func validRef(ref string) bool {
	return ref != "" && ref != "." && ref != ".." && !strings.ContainsAny(ref, "/\\")
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}

	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return strings.Join(parts, "/")
}
