package decode

import (
	"errors"
	"testing"

	"counterflow/internal/collector/model"
)

func TestDecode_Width16(t *testing.T) {
	v, err := Decode(model.Width16, []uint16{0x1234})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0x1234 {
		t.Fatalf("expected 0x1234, got 0x%x", v)
	}
}

func TestDecode_Width32_BigEndianWordOrder(t *testing.T) {
	v, err := Decode(model.Width32, []uint16{0x0001, 0x0002})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0x00010002 {
		t.Fatalf("expected 0x00010002, got 0x%x", v)
	}
}

func TestDecode_Width64(t *testing.T) {
	v, err := Decode(model.Width64, []uint16{0, 0, 0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
}

func TestDecode_WrongWordCount_ConfigurationFault(t *testing.T) {
	_, err := Decode(model.Width32, []uint16{1})
	if err == nil {
		t.Fatalf("expected error for mismatched word count")
	}
	var f *model.Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected a *model.Fault, got %T", err)
	}
	if f.Kind != model.ErrConfiguration {
		t.Fatalf("expected ErrConfiguration, got %v", f.Kind)
	}
}

func TestSwapWords(t *testing.T) {
	in := []uint16{1, 2, 3}
	out := SwapWords(in)
	want := []uint16{3, 2, 1}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("SwapWords(%v) = %v, want %v", in, out, want)
		}
	}
}
