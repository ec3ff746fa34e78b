package binary

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

func TestReaderReadByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	r := NewReader(data)

	for i, want := range data {
		if r.Position() != i {
			t.Errorf("position before read %d: got %d, want %d", i, r.Position(), i)
		}
		b, err := r.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte %d: %v", i, err)
		}
		if b != want {
			t.Errorf("ReadByte %d: got 0x%02x, want 0x%02x", i, b, want)
		}
	}

	if r.Position() != 3 {
		t.Errorf("final position: got %d, want 3", r.Position())
	}

	_, err := r.ReadByte()
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderReadBytes(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02, 0x03, 0x04, 0x05})

	got, err := r.ReadBytes(3)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("ReadBytes: got %v, want [1 2 3]", got)
	}
	if r.Position() != 3 {
		t.Errorf("position: got %d, want 3", r.Position())
	}

	_, err = r.ReadBytes(10)
	if !errors.Is(err, ErrShortRead) {
		t.Errorf("expected ErrShortRead, got %v", err)
	}
	if r.Position() != 3 {
		t.Errorf("failed read moved position to %d", r.Position())
	}
}

func TestReaderFixedWidth(t *testing.T) {
	w := NewWriter()
	w.WriteU16(0xbeef)
	w.WriteU32(0xdeadbeef)
	w.WriteU64(0x0102030405060708)
	w.WriteF32(1.5)
	w.WriteF64(math.Pi)
	w.WriteU24(0x123456)
	w.Byte(0xff)

	r := NewReader(w.Bytes())

	u16, err := r.ReadU16()
	if err != nil || u16 != 0xbeef {
		t.Errorf("ReadU16: got 0x%x, %v", u16, err)
	}
	u32, err := r.ReadU32()
	if err != nil || u32 != 0xdeadbeef {
		t.Errorf("ReadU32: got 0x%x, %v", u32, err)
	}
	u64, err := r.ReadU64()
	if err != nil || u64 != 0x0102030405060708 {
		t.Errorf("ReadU64: got 0x%x, %v", u64, err)
	}
	f32, err := r.ReadF32()
	if err != nil || f32 != 1.5 {
		t.Errorf("ReadF32: got %v, %v", f32, err)
	}
	f64, err := r.ReadF64()
	if err != nil || f64 != math.Pi {
		t.Errorf("ReadF64: got %v, %v", f64, err)
	}
	u24, err := r.ReadU24()
	if err != nil || u24 != 0x123456 {
		t.Errorf("ReadU24: got 0x%x, %v", u24, err)
	}
	i8, err := r.ReadI8()
	if err != nil || i8 != -1 {
		t.Errorf("ReadI8: got %d, %v", i8, err)
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}
}

func TestReaderI32Negative(t *testing.T) {
	r := NewReader([]byte{0xfe, 0xff, 0xff, 0xff})
	v, err := r.ReadI32()
	if err != nil {
		t.Fatal(err)
	}
	if v != -2 {
		t.Errorf("got %d, want -2", v)
	}
}

func TestReaderReset(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	if err := r.Reset(2); err != nil {
		t.Fatal(err)
	}
	b, _ := r.ReadByte()
	if b != 3 {
		t.Errorf("got %d after reset, want 3", b)
	}
	if err := r.Reset(9); err == nil {
		t.Error("expected error for reset past end")
	}
}

func TestAlign(t *testing.T) {
	w := NewWriter()
	w.Byte(1)
	w.Align(4)
	if w.Len() != 4 {
		t.Errorf("writer Len after align: got %d, want 4", w.Len())
	}
	w.Align(4)
	if w.Len() != 4 {
		t.Errorf("aligned writer grew to %d", w.Len())
	}

	r := NewReader(make([]byte, 6))
	r.ReadByte()
	r.Align(4)
	if r.Position() != 4 {
		t.Errorf("reader position after align: got %d, want 4", r.Position())
	}
	r.ReadByte()
	r.Align(4)
	if r.Position() != 6 {
		t.Errorf("align past end: got %d, want 6", r.Position())
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{1})
	r.ReadByte()
	err := r.WrapError("header", ErrShortRead)

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatal("expected ParseError")
	}
	if pe.Position != 1 || pe.Section != "header" {
		t.Errorf("got %+v", pe)
	}
	if !errors.Is(err, ErrShortRead) {
		t.Error("ParseError should unwrap to its cause")
	}
	if pe.Error() != "cil: header at position 1: short read" {
		t.Errorf("Error() = %q", pe.Error())
	}
}
