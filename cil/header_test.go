package cil_test

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/wippyai/ilpatch/cil"
)

func TestTinyHeader(t *testing.T) {
	raw := &cil.RawMethod{Code: []byte{0x02, 0x17, 0x58, 0x2A}, MaxStack: 2}
	data := raw.Bytes()
	if want := []byte{0x12, 0x02, 0x17, 0x58, 0x2A}; !bytes.Equal(data, want) {
		t.Fatalf("Bytes = % x, want % x", data, want)
	}

	parsed, err := cil.ParseMethod(data)
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if !bytes.Equal(parsed.Code, raw.Code) {
		t.Errorf("code = % x", parsed.Code)
	}
	if parsed.MaxStack != 8 {
		t.Errorf("tiny MaxStack = %d, want 8", parsed.MaxStack)
	}
}

func TestFatHeader(t *testing.T) {
	tests := []struct {
		name    string
		raw     *cil.RawMethod
		section byte
	}{
		{
			name: "init locals",
			raw:  &cil.RawMethod{Code: []byte{0x2A}, MaxStack: 1, InitLocals: true},
		},
		{
			name: "locals and deep stack",
			raw:  &cil.RawMethod{Code: []byte{0x2A}, MaxStack: 40, LocalVarSig: 0x11000001},
		},
		{
			name: "small exception section",
			raw: &cil.RawMethod{
				Code:     []byte{0x00, 0xDE, 0x03, 0x26, 0xDE, 0x00, 0x2A},
				MaxStack: 1,
				Clauses: []cil.RawClause{
					{Kind: cil.ClauseCatch, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 3, ClassToken: 0x01000001},
				},
			},
			section: 0x01,
		},
		{
			name: "fat exception section",
			raw: &cil.RawMethod{
				Code:     make([]byte, 400),
				MaxStack: 1,
				Clauses: []cil.RawClause{
					{Kind: cil.ClauseFinally, TryOffset: 0, TryLength: 10, HandlerOffset: 10, HandlerLength: 300},
					{Kind: cil.ClauseFilter, TryOffset: 0, TryLength: 10, HandlerOffset: 320, HandlerLength: 5, FilterOffset: 310},
				},
			},
			section: 0x41,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.raw.Bytes()
			if data[0]&0x3 != 0x3 {
				t.Fatalf("header format = %d, want fat", data[0]&0x3)
			}
			if tt.section != 0 {
				at := (12 + len(tt.raw.Code) + 3) &^ 3
				if data[at] != tt.section {
					t.Errorf("section kind = 0x%02x, want 0x%02x", data[at], tt.section)
				}
			}

			parsed, err := cil.ParseMethod(data)
			if err != nil {
				t.Fatalf("ParseMethod: %v", err)
			}
			if !reflect.DeepEqual(parsed, tt.raw) {
				t.Errorf("ParseMethod = %+v, want %+v", parsed, tt.raw)
			}
		})
	}
}

func TestParseMethodErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad format", []byte{0x01}},
		{"tiny truncated code", []byte{0x12, 0x00}},
		{"fat truncated header", []byte{0x13, 0x30, 0x01}},
		{"fat header too small", []byte{0x03, 0x20, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"missing section", []byte{0x1B, 0x30, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cil.ParseMethod(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}
