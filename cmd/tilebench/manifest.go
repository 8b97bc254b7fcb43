package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/tilecache/model"
)

// ErrEmptyManifest is returned when a manifest lists no pairs.
var ErrEmptyManifest = errors.New("manifest lists no pairs")

// manifest is the YAML input of the bench command:
//
//	pairs:
//	  - archive: /photos/IMG_0001.CR3
//	    preview: /photos/IMG_0001.JPG
//	    size: 24117248
//	    modified: 2024-05-01T10:00:00Z
type manifest struct {
	Root  string          `yaml:"root"`
	Pairs []manifestEntry `yaml:"pairs"`
}

type manifestEntry struct {
	Archive  string    `yaml:"archive"`
	Preview  string    `yaml:"preview"`
	Size     int64     `yaml:"size"`
	Modified time.Time `yaml:"modified"`
}

// loadManifest reads the pairs of a manifest file. Relative paths are
// resolved against root, or the manifest directory when root is empty.
// Missing sizes and times are taken from the archive file when it exists.
func loadManifest(path string) ([]model.FilePair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Pairs) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyManifest)
	}

	root := m.Root
	if root == "" {
		root = filepath.Dir(path)
	}

	pairs := make([]model.FilePair, 0, len(m.Pairs))
	for i, e := range m.Pairs {
		if e.Archive == "" && e.Preview == "" {
			return nil, fmt.Errorf("%s: pair %d has neither archive nor preview", path, i)
		}
		archive := resolvePath(root, e.Archive)
		preview := resolvePath(root, e.Preview)

		if e.Size == 0 || e.Modified.IsZero() {
			if fi, err := os.Stat(firstNonEmpty(archive, preview)); err == nil {
				if e.Size == 0 {
					e.Size = fi.Size()
				}
				if e.Modified.IsZero() {
					e.Modified = fi.ModTime()
				}
			}
		}

		pairs = append(pairs, model.NewFilePair(archive, preview, e.Size, e.Modified))
	}
	return pairs, nil
}

func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// syntheticPairs returns n pairs under a fake directory.
func syntheticPairs(n int) []model.FilePair {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pairs := make([]model.FilePair, n)
	for i := range pairs {
		pairs[i] = model.NewFilePair(
			fmt.Sprintf("/synthetic/IMG_%06d.CR3", i),
			fmt.Sprintf("/synthetic/IMG_%06d.JPG", i),
			int64(20<<20+i),
			base.Add(time.Duration(i)*time.Second),
		)
	}
	return pairs
}
