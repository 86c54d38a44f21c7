package core

import (
	"encoding/json"
	"fmt"
	"strings"

	evanpatch "github.com/evanphx/json-patch/v5"
	"github.com/snorwin/jsonpatch"

	"pkt.systems/canvasd/api"
)

// ApplyFields merges a partial field set into a shape using JSON merge
// patch semantics: present keys overwrite, explicit nulls clear.
func ApplyFields(shape api.Shape, fields map[string]any) (api.Shape, error) {
	if len(fields) == 0 {
		return shape, nil
	}
	doc, err := json.Marshal(shape)
	if err != nil {
		return shape, fmt.Errorf("marshal shape %s: %w", shape.ID, err)
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return shape, fmt.Errorf("marshal fields for %s: %w", shape.ID, err)
	}
	merged, err := evanpatch.MergePatch(doc, patch)
	if err != nil {
		return shape, fmt.Errorf("merge fields into %s: %w", shape.ID, err)
	}
	var out api.Shape
	if err := json.Unmarshal(merged, &out); err != nil {
		return shape, fmt.Errorf("unmarshal merged shape %s: %w", shape.ID, err)
	}
	// The id is immutable regardless of what a partial update carries.
	out.ID = shape.ID
	return out, nil
}

// inverseFields computes the merge patch that transforms after back into
// before. Its keys are exactly the top-level fields the change touched,
// which makes it both the undo payload and the conflict footprint of a
// history entry.
func inverseFields(before, after api.Shape) (map[string]any, error) {
	beforeDoc, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("marshal prior state of %s: %w", before.ID, err)
	}
	afterDoc, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("marshal current state of %s: %w", after.ID, err)
	}
	patch, err := evanpatch.CreateMergePatch(afterDoc, beforeDoc)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", after.ID, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(patch, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal inverse patch for %s: %w", after.ID, err)
	}
	return fields, nil
}

// changedFields lists the top-level shape fields that differ between two
// states, in wire (JSON) naming.
func changedFields(before, after api.Shape) ([]string, error) {
	patch, err := jsonpatch.CreateJSONPatch(after, before)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", after.ID, err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, op := range patch.List() {
		field := topLevelField(op.Path)
		if field == "" {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out, nil
}

// shapeFields converts a shape to its wire field map.
func shapeFields(shape api.Shape) (map[string]any, error) {
	doc, err := json.Marshal(shape)
	if err != nil {
		return nil, fmt.Errorf("marshal shape %s: %w", shape.ID, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal shape %s: %w", shape.ID, err)
	}
	return fields, nil
}

// ShapeFromFields builds a shape from a full wire field map.
func ShapeFromFields(id string, fields map[string]any) (api.Shape, error) {
	doc, err := json.Marshal(fields)
	if err != nil {
		return api.Shape{}, fmt.Errorf("marshal fields for %s: %w", id, err)
	}
	var shape api.Shape
	if err := json.Unmarshal(doc, &shape); err != nil {
		return api.Shape{}, fmt.Errorf("unmarshal fields for %s: %w", id, err)
	}
	if shape.ID == "" {
		shape.ID = id
	}
	return shape, nil
}

func topLevelField(path string) string {
	path = strings.TrimPrefix(path, "/")
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// fieldSet returns the key set of a field map.
func fieldSet(fields map[string]any) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for k := range fields {
		set[k] = struct{}{}
	}
	return set
}

// intersects reports whether any key in fields appears in set.
func intersects(set map[string]struct{}, fields []string) bool {
	for _, f := range fields {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}
