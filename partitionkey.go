package cosmigrate

import (
	"strings"
)

// DefaultPartitionKeyPath is assumed for containers whose metadata carries no partition key.
const DefaultPartitionKeyPath = "/id"

// NormalizePartitionKeyPath canonicalizes a partition key path to a single
// "/"-rooted form: surrounding whitespace and trailing or repeated slashes are
// dropped. Segments are kept case-sensitive.
func NormalizePartitionKeyPath(path string) string {
	segments := partitionKeySegments(path)
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

func partitionKeySegments(path string) []string {
	parts := strings.Split(strings.TrimSpace(path), "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// ValidatePartitionKey compares the partition key paths of a source and a
// target container. It returns a *PartitionKeyMismatchError when they differ
// after normalization.
func ValidatePartitionKey(unit string, source, target *ContainerProperties) error {
	src := NormalizePartitionKeyPath(source.PartitionKeyPath)
	tgt := NormalizePartitionKeyPath(target.PartitionKeyPath)
	if src == "" || src != tgt {
		return &PartitionKeyMismatchError{Unit: unit, Source: source.PartitionKeyPath, Target: target.PartitionKeyPath}
	}
	return nil
}

// partitionKeyValue walks doc along path and returns the value found there.
// ok is false when any segment is missing or traverses a non-object.
func partitionKeyValue(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range partitionKeySegments(path) {
		m, isObject := cur.(map[string]any)
		if !isObject {
			return nil, false
		}
		v, found := m[seg]
		if !found {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
