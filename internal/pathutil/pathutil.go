// Package pathutil provides shared helpers for file path validation and for
// reading and writing nested record fields by dotted path.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidateFilePath validates a file path for path traversal and invalid characters.
// Uses segment-based detection so that "scripts/../etc/passwd" is rejected before
// cleaning (cleaned path would be "etc/passwd" and could bypass a simple ".." check).
// Returns an error if the path is empty, contains null bytes, or has ".." in any segment.
func ValidateFilePath(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.Contains(filePath, "\x00") {
		return fmt.Errorf("file path contains invalid characters")
	}

	normalized := filepath.ToSlash(filePath)
	segments := strings.Split(normalized, "/")
	for _, segment := range segments {
		if segment == ".." {
			return fmt.Errorf("file path contains path traversal: %q", filePath)
		}
	}
	if strings.HasPrefix(normalized, "../") || normalized == ".." {
		return fmt.Errorf("file path contains path traversal: %q", filePath)
	}
	return nil
}

// segment is one dotted-path component, optionally with array indices:
// "roles[0]" has name "roles" and indices [0].
type segment struct {
	name    string
	indices []int
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	parts := strings.Split(path, ".")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("path %q contains an empty segment", path)
		}
		seg, err := parseSegment(part)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func parseSegment(part string) (segment, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if strings.IndexByte(part, ']') >= 0 {
			return segment{}, fmt.Errorf("segment %q has unmatched bracket", part)
		}
		return segment{name: part}, nil
	}

	seg := segment{name: part[:open]}
	if seg.name == "" {
		return segment{}, fmt.Errorf("segment %q has no field name", part)
	}
	rest := part[open:]
	for rest != "" {
		if rest[0] != '[' {
			return segment{}, fmt.Errorf("segment %q has trailing characters after index", part)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return segment{}, fmt.Errorf("segment %q has unmatched bracket", part)
		}
		idx, err := strconv.Atoi(rest[1:end])
		if err != nil || idx < 0 {
			return segment{}, fmt.Errorf("segment %q has invalid array index", part)
		}
		seg.indices = append(seg.indices, idx)
		rest = rest[end+1:]
	}
	return seg, nil
}

// Get resolves a dotted path against a record, descending through nested maps
// and array indices ("user.roles[0].name"). The second return reports whether
// the full path resolved.
func Get(obj map[string]interface{}, path string) (interface{}, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	var current interface{} = obj
	for _, seg := range segs {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg.name]
		if !ok {
			return nil, false
		}
		for _, idx := range seg.indices {
			arr, ok := current.([]interface{})
			if !ok || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}

// Set writes a value at a dotted path, creating intermediate maps as needed.
// Array indices must already exist; Set never grows a slice. It fails when an
// intermediate segment resolves to a non-map value.
func Set(obj map[string]interface{}, path string, value interface{}) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}

	current := obj
	for i, seg := range segs {
		last := i == len(segs)-1
		if last && len(seg.indices) == 0 {
			current[seg.name] = value
			return nil
		}

		next, exists := current[seg.name]
		if !exists {
			if len(seg.indices) > 0 {
				return fmt.Errorf("path %q: field %q does not exist, cannot index into it", path, seg.name)
			}
			created := make(map[string]interface{})
			current[seg.name] = created
			current = created
			continue
		}

		for j, idx := range seg.indices {
			arr, ok := next.([]interface{})
			if !ok {
				return fmt.Errorf("path %q: field %q is not an array", path, seg.name)
			}
			if idx >= len(arr) {
				return fmt.Errorf("path %q: index %d out of range for field %q", path, idx, seg.name)
			}
			if last && j == len(seg.indices)-1 {
				arr[idx] = value
				return nil
			}
			next = arr[idx]
		}

		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("path %q: segment %q is not an object", path, seg.name)
		}
		current = m
	}
	return nil
}

// Delete removes the field at a dotted path. It reports whether a value was
// actually removed. Deleting inside arrays is not supported; the final
// segment must be a plain map key.
func Delete(obj map[string]interface{}, path string) bool {
	segs, err := parsePath(path)
	if err != nil {
		return false
	}
	last := segs[len(segs)-1]
	if len(last.indices) > 0 {
		return false
	}

	current := obj
	for _, seg := range segs[:len(segs)-1] {
		next, ok := current[seg.name]
		if !ok {
			return false
		}
		for _, idx := range seg.indices {
			arr, ok := next.([]interface{})
			if !ok || idx >= len(arr) {
				return false
			}
			next = arr[idx]
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return false
		}
		current = m
	}

	if _, ok := current[last.name]; !ok {
		return false
	}
	delete(current, last.name)
	return true
}

// DeepCopyMap returns a recursive copy of a record. Nested maps and slices
// are copied; scalar values are shared.
func DeepCopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		switch t := v.(type) {
		case map[string]interface{}:
			dst[k] = DeepCopyMap(t)
		case []interface{}:
			dst[k] = DeepCopySlice(t)
		default:
			dst[k] = v
		}
	}
	return dst
}

// DeepCopySlice returns a recursive copy of a slice value.
func DeepCopySlice(src []interface{}) []interface{} {
	if src == nil {
		return nil
	}
	dst := make([]interface{}, len(src))
	for i, v := range src {
		switch t := v.(type) {
		case map[string]interface{}:
			dst[i] = DeepCopyMap(t)
		case []interface{}:
			dst[i] = DeepCopySlice(t)
		default:
			dst[i] = v
		}
	}
	return dst
}
