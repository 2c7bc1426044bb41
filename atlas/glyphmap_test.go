package atlas

import (
	"testing"
)

func TestGlyphMap_InsertAndLookup(t *testing.T) {
	var m GlyphMap

	entry, inserted := m.Entry(42)
	if !inserted {
		t.Fatal("first Entry(42) should report inserted")
	}
	entry.Data.SizeX = 7

	again, inserted := m.Entry(42)
	if inserted {
		t.Error("second Entry(42) should not report inserted")
	}
	if again.Data.SizeX != 7 {
		t.Errorf("Data.SizeX = %d, want 7", again.Data.SizeX)
	}

	if got := m.Lookup(42); got == nil || got.Data.SizeX != 7 {
		t.Error("Lookup(42) did not find the inserted entry")
	}
	if got := m.Lookup(43); got != nil {
		t.Error("Lookup(43) should return nil")
	}
}

func TestGlyphMap_ZeroGlyphIndex(t *testing.T) {
	var m GlyphMap

	// Glyph 0 (.notdef) is a valid cache key and must not be confused
	// with an empty slot.
	_, inserted := m.Entry(0)
	if !inserted {
		t.Fatal("Entry(0) should insert")
	}
	if _, inserted := m.Entry(0); inserted {
		t.Error("Entry(0) reinsertion should be a lookup")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestGlyphMap_Growth(t *testing.T) {
	var m GlyphMap

	for i := 0; i < 1000; i++ {
		entry, inserted := m.Entry(uint16(i))
		if !inserted {
			t.Fatalf("Entry(%d) should insert", i)
		}
		entry.Data.TexcoordX = uint16(i)
	}
	if m.Len() != 1000 {
		t.Fatalf("Len() = %d, want 1000", m.Len())
	}
	for i := 0; i < 1000; i++ {
		entry := m.Lookup(uint16(i))
		if entry == nil {
			t.Fatalf("Lookup(%d) = nil after growth", i)
		}
		if entry.Data.TexcoordX != uint16(i) {
			t.Fatalf("entry %d data = %d, want %d", i, entry.Data.TexcoordX, i)
		}
	}
}

func TestGlyphMap_Clear(t *testing.T) {
	var m GlyphMap
	for i := 0; i < 100; i++ {
		m.Entry(uint16(i))
	}

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", m.Len())
	}
	if m.Lookup(5) != nil {
		t.Error("Lookup(5) after Clear should return nil")
	}
	if _, inserted := m.Entry(5); !inserted {
		t.Error("Entry(5) after Clear should insert")
	}
}
