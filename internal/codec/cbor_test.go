package codec

import (
	"bytes"
	"testing"
	"time"
)

type record struct {
	Name  string            `cbor:"name"`
	Size  int64             `cbor:"size"`
	Mtime time.Time         `cbor:"mtime"`
	Attrs map[string][]byte `cbor:"attrs,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	r := record{
		Name:  "a.txt",
		Size:  5,
		Mtime: time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC),
		Attrs: map[string][]byte{"user.b": []byte("2"), "user.a": []byte("1")},
	}

	first, err := Marshal(r)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(r)
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}

	var decoded record
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if !decoded.Mtime.Equal(r.Mtime) {
		t.Errorf("mtime = %v, want %v (nanoseconds must survive)", decoded.Mtime, r.Mtime)
	}
	if string(decoded.Attrs["user.a"]) != "1" {
		t.Errorf("attrs = %v", decoded.Attrs)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "x", "future": 1})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var decoded record
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unknown field rejected: %v", err)
	}
	if decoded.Name != "x" {
		t.Errorf("Name = %q, want x", decoded.Name)
	}
}
