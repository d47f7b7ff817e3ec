package sink

import (
	"testing"
)

func TestCreateTableSQL(t *testing.T) {
	schema := &Schema{Name: "lsoa", Columns: []Column{
		{Name: "LSOA21CD", Type: TypeString},
		{Name: "LAT", Type: TypeFloat},
	}}

	got := CreateTableSQL("staging.lsoa_boundaries", schema)
	expected := `CREATE TABLE IF NOT EXISTS "staging"."lsoa_boundaries" ("LSOA21CD" TEXT, "LAT" DOUBLE PRECISION, "_unit_key" TEXT, "_fetched_at" TIMESTAMPTZ)`
	if got != expected {
		t.Errorf("CreateTableSQL() =\n%s\nwant\n%s", got, expected)
	}
}

func TestAddColumnsSQL(t *testing.T) {
	schema := &Schema{Name: "stop_search", Columns: []Column{
		{Name: "type", Type: TypeString},
		{Name: "involved_person", Type: TypeBoolean},
	}}

	got := AddColumnsSQL("stop_search", schema)
	expected := []string{
		`ALTER TABLE "stop_search" ADD COLUMN IF NOT EXISTS "type" TEXT`,
		`ALTER TABLE "stop_search" ADD COLUMN IF NOT EXISTS "involved_person" BOOLEAN`,
	}
	if len(got) != len(expected) {
		t.Fatalf("AddColumnsSQL() returned %d statements, want %d", len(got), len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("statement %d = %s, want %s", i, got[i], expected[i])
		}
	}
}

func TestWarehouseSink_TableFor(t *testing.T) {
	s := &WarehouseSink{tables: map[string]string{"stop_search": "staging.stop_search"}}

	if got := s.tableFor("stop_search", &Schema{Name: "ignored"}); got != "staging.stop_search" {
		t.Errorf("tableFor(mapped) = %q", got)
	}
	if got := s.tableFor("lsoa_boundaries", &Schema{Name: "lsoa_boundaries"}); got != "lsoa_boundaries" {
		t.Errorf("tableFor(unmapped) = %q", got)
	}
}
