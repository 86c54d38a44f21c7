package core

import (
	"testing"

	"pkt.systems/canvasd/api"
)

func TestApplyFieldsMergesPartialUpdate(t *testing.T) {
	before := api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 1, Y: 2, Fill: "#ff0000"}
	after, err := ApplyFields(before, map[string]any{"x": 9.0, "stroke": "#000000"})
	if err != nil {
		t.Fatalf("ApplyFields: %v", err)
	}
	if after.X != 9 || after.Stroke != "#000000" {
		t.Fatalf("expected patched fields, got %+v", after)
	}
	if after.Y != 2 || after.Fill != "#ff0000" {
		t.Fatalf("expected untouched fields preserved, got %+v", after)
	}
}

func TestApplyFieldsCannotChangeID(t *testing.T) {
	before := api.Shape{ID: "s1", Type: api.ShapeRectangle}
	after, err := ApplyFields(before, map[string]any{"id": "evil"})
	if err != nil {
		t.Fatalf("ApplyFields: %v", err)
	}
	if after.ID != "s1" {
		t.Fatalf("expected id immutable, got %q", after.ID)
	}
}

func TestInverseFieldsCoversExactlyTheTouchedFields(t *testing.T) {
	before := api.Shape{ID: "s1", Type: api.ShapeRectangle, X: 1, Y: 2, Fill: "#ff0000"}
	after := before
	after.X = 9
	after.Fill = "#00ff00"

	inverse, err := inverseFields(before, after)
	if err != nil {
		t.Fatalf("inverseFields: %v", err)
	}
	if len(inverse) != 2 {
		t.Fatalf("expected inverse limited to changed fields, got %v", inverse)
	}
	if inverse["x"] != 1.0 || inverse["fill"] != "#ff0000" {
		t.Fatalf("expected prior values, got %v", inverse)
	}

	restored, err := ApplyFields(after, inverse)
	if err != nil {
		t.Fatalf("apply inverse: %v", err)
	}
	if restored != before {
		t.Fatalf("inverse did not restore prior state:\nwant %+v\ngot  %+v", before, restored)
	}
}

func TestChangedFieldsNamesWireFields(t *testing.T) {
	before := api.Shape{ID: "s1", Type: api.ShapeText, Text: "a", FontSize: 12}
	after := before
	after.Text = "b"
	after.FontSize = 16

	changed, err := changedFields(before, after)
	if err != nil {
		t.Fatalf("changedFields: %v", err)
	}
	got := fieldSetFromSlice(changed)
	for _, want := range []string{"text", "fontSize"} {
		if _, ok := got[want]; !ok {
			t.Fatalf("expected %q among changed fields, got %v", want, changed)
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly two changed fields, got %v", changed)
	}
}

func fieldSetFromSlice(fields []string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
