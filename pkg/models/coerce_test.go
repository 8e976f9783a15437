package models_test

import (
	"reflect"
	"testing"

	"github.com/embeddedllm/jamai/pkg/models"
)

func TestCoerceCellNarrowsNumbers(t *testing.T) {
	intCol := &models.ColumnSchema{ID: "n", Dtype: models.DtypeInt}
	v, err := models.CoerceCell(intCol, 3.0)
	if err != nil {
		t.Fatalf("CoerceCell() error = %v", err)
	}
	if v != 3 {
		t.Fatalf("CoerceCell() = %v (%T), want 3", v, v)
	}

	strCol := &models.ColumnSchema{ID: "s", Dtype: models.DtypeStr}
	v, err = models.CoerceCell(strCol, true)
	if err != nil {
		t.Fatalf("CoerceCell() error = %v", err)
	}
	if v != "True" {
		t.Fatalf("CoerceCell() = %v, want True", v)
	}
}

func TestCoerceCellTextSpreadsheetRules(t *testing.T) {
	cases := []struct {
		dtype models.ColumnDtype
		in    string
		want  any
	}{
		{models.DtypeBool, "True", true},
		{models.DtypeBool, "false", false},
		{models.DtypeInt, "4.9", 4},
		{models.DtypeFloat, "2.5", 2.5},
		{models.DtypeInt, "  ", nil},
	}
	for _, tc := range cases {
		col := &models.ColumnSchema{ID: "c", Dtype: tc.dtype}
		got, err := models.CoerceCellText(col, tc.in)
		if err != nil {
			t.Fatalf("CoerceCellText(%s, %q) error = %v", tc.dtype, tc.in, err)
		}
		if got != tc.want {
			t.Errorf("CoerceCellText(%s, %q) = %v, want %v", tc.dtype, tc.in, got, tc.want)
		}
	}
}

func TestCoerceCellDateTime(t *testing.T) {
	col := &models.ColumnSchema{ID: "ts", Dtype: models.DtypeDateTime}

	got, err := models.CoerceCell(col, "2026-08-26T10:00:00+08:00")
	if err != nil {
		t.Fatalf("CoerceCell() error = %v", err)
	}
	if got != "2026-08-26T02:00:00Z" {
		t.Fatalf("CoerceCell() = %v, want UTC-normalized timestamp", got)
	}

	got, err = models.CoerceCellText(col, "2026-08-26")
	if err != nil {
		t.Fatalf("CoerceCellText() error = %v", err)
	}
	if got != "2026-08-26T00:00:00Z" {
		t.Fatalf("CoerceCellText() = %v, want midnight UTC", got)
	}

	if _, err := models.CoerceCell(col, "yesterday"); err == nil {
		t.Fatal("CoerceCell() should reject non-timestamp text")
	}
}

func TestCoerceCellJSON(t *testing.T) {
	col := &models.ColumnSchema{ID: "meta", Dtype: models.DtypeJSON}

	// API writes keep JSON values verbatim, strings included.
	obj := map[string]any{"k": []any{1.0, 2.0}}
	got, err := models.CoerceCell(col, obj)
	if err != nil {
		t.Fatalf("CoerceCell() error = %v", err)
	}
	if !reflect.DeepEqual(got, obj) {
		t.Fatalf("CoerceCell() = %v, want %v", got, obj)
	}
	got, err = models.CoerceCell(col, `{"k":1}`)
	if err != nil {
		t.Fatalf("CoerceCell() error = %v", err)
	}
	if got != `{"k":1}` {
		t.Fatalf("CoerceCell() = %v, want the string kept as-is", got)
	}

	// Text import parses valid JSON and keeps bare text as a string.
	got, err = models.CoerceCellText(col, `[1, 2]`)
	if err != nil {
		t.Fatalf("CoerceCellText() error = %v", err)
	}
	if !reflect.DeepEqual(got, []any{1.0, 2.0}) {
		t.Fatalf("CoerceCellText() = %v, want [1 2]", got)
	}
	got, err = models.CoerceCellText(col, "plain text")
	if err != nil {
		t.Fatalf("CoerceCellText() error = %v", err)
	}
	if got != "plain text" {
		t.Fatalf("CoerceCellText() = %v, want plain text", got)
	}
}

func TestCoerceCellVector(t *testing.T) {
	col := &models.ColumnSchema{ID: "v", Dtype: models.DtypeFloat32, Vlen: 2}
	got, err := models.CoerceCell(col, []any{0.5, 1.5})
	if err != nil {
		t.Fatalf("CoerceCell() error = %v", err)
	}
	if !reflect.DeepEqual(got, []float32{0.5, 1.5}) {
		t.Fatalf("CoerceCell() = %v, want [0.5 1.5]", got)
	}
	if _, err := models.CoerceCell(col, []any{0.5}); err == nil {
		t.Fatal("CoerceCell() should reject a wrong-size vector")
	}
}

func TestCellText(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{true, "True"},
		{42, "42"},
		{1.5, "1.5"},
		{"hi", "hi"},
		{map[string]any{"k": 1}, `{"k":1}`},
	}
	for _, tc := range cases {
		if got := models.CellText(tc.in); got != tc.want {
			t.Errorf("CellText(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
