package page

import "testing"

func TestWriteGetRoundTrip(t *testing.T) {
	p := New()
	for i := int64(0); i < 10; i++ {
		slot, err := p.Write(i * 7)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if slot != int(i) {
			t.Fatalf("expected slot %d, got %d", i, slot)
		}
	}
	if p.NumRecords() != 10 {
		t.Fatalf("expected 10 records, got %d", p.NumRecords())
	}
	for i := int64(0); i < 10; i++ {
		v, err := p.Get(int(i))
		if err != nil {
			t.Fatalf("get(%d): %v", i, err)
		}
		if v != i*7 {
			t.Fatalf("get(%d) = %d, want %d", i, v, i*7)
		}
	}
}

func TestWriteFullReturnsErrFull(t *testing.T) {
	p := New()
	for i := 0; i < Capacity; i++ {
		if _, err := p.Write(int64(i)); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if _, err := p.Write(1); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestWritePreciseOverwritesInPlace(t *testing.T) {
	p := New()
	p.Write(1)
	p.Write(2)
	p.Write(3)
	if err := p.WritePrecise(1, 99); err != nil {
		t.Fatalf("write precise: %v", err)
	}
	if p.NumRecords() != 3 {
		t.Fatalf("write precise must not change num_records, got %d", p.NumRecords())
	}
	v, _ := p.Get(1)
	if v != 99 {
		t.Fatalf("expected overwritten value 99, got %d", v)
	}
}

func TestGetUndefinedPastNumRecords(t *testing.T) {
	p := New()
	p.Write(5)
	if _, err := p.Get(1); err != ErrSlotOutOfRange {
		t.Fatalf("expected ErrSlotOutOfRange, got %v", err)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	p := New()
	for i := int64(0); i < 300; i++ {
		p.Write(i * i)
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !p.Equal(got) {
		t.Fatal("round-trip produced a different page")
	}
}

func TestSerializeDeserializeEmptyPage(t *testing.T) {
	p := New()
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !p.Equal(got) {
		t.Fatal("round-trip of empty page changed contents")
	}
}

func TestSerializeDeserializeRepetitiveValues(t *testing.T) {
	// All-zero pages compress very well; make sure the snappy path round-trips too.
	p := New()
	for i := 0; i < Capacity; i++ {
		p.Write(0)
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !p.Equal(got) {
		t.Fatal("round-trip of repetitive page changed contents")
	}
}
