package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FileNode is the contents of one path. A write replaces it entirely.
type FileNode struct {
	Contents string
}

// fileNodeJSON is the mount shape used on the wire: {"file":{"contents":"..."}}.
type fileNodeJSON struct {
	File *struct {
		Contents *string `json:"contents"`
	} `json:"file"`
}

// MarshalJSON encodes the node in mount shape.
func (n FileNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]map[string]string{
		"file": {"contents": n.Contents},
	})
}

// UnmarshalJSON decodes a node in mount shape. Missing contents is an error.
func (n *FileNode) UnmarshalJSON(data []byte) error {
	var raw fileNodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.File == nil || raw.File.Contents == nil {
		return fmt.Errorf("file node: missing file.contents")
	}
	n.Contents = *raw.File.Contents
	return nil
}

// FileTree maps a path to its node. Directories exist only as path prefixes.
type FileTree map[string]FileNode

// Clone returns an independent copy of the tree.
func (t FileTree) Clone() FileTree {
	out := make(FileTree, len(t))
	for p, n := range t {
		out[p] = n
	}
	return out
}

// Paths returns the tree's paths in sorted order.
func (t FileTree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Merge replaces every path present in patch and leaves all other paths
// untouched. It returns the patched paths in sorted order.
func (t FileTree) Merge(patch FileTree) []string {
	for p, n := range patch {
		t[p] = n
	}
	return patch.Paths()
}

// Equal reports whether both trees hold the same paths and contents.
func (t FileTree) Equal(other FileTree) bool {
	if len(t) != len(other) {
		return false
	}
	for p, n := range t {
		o, ok := other[p]
		if !ok || o.Contents != n.Contents {
			return false
		}
	}
	return true
}

// Validate checks that every path is usable as a key.
func (t FileTree) Validate() error {
	for p := range t {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePath rejects empty, absolute and parent-escaping paths.
func ValidatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("%w: empty file path", ErrValidation)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: file path %q must be relative", ErrValidation, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("%w: file path %q escapes the project", ErrValidation, p)
		}
	}
	return nil
}
