package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRingBufferSimpleWrite(t *testing.T) {
	rb := NewRingBuffer(64)
	rb.Write([]byte("hello "))
	rb.Write([]byte("world"))

	if got := string(rb.Bytes()); got != "hello world" {
		t.Errorf("Bytes() = %q", got)
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghij"))

	// Oldest bytes fall off, chronological order preserved
	if got := string(rb.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes() = %q", got)
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))

	if got := string(rb.Bytes()); got != "6789" {
		t.Errorf("Bytes() = %q", got)
	}
}

func TestRingBufferExactFill(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("abcd"))
	if got := string(rb.Bytes()); got != "abcd" {
		t.Errorf("Bytes() = %q", got)
	}
	rb.Write([]byte("e"))
	if got := string(rb.Bytes()); got != "bcde" {
		t.Errorf("after wrap, Bytes() = %q", got)
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(64)
	rb.Write([]byte("line one\nline two\n"))

	path := filepath.Join(t.TempDir(), "dump.jsonl")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !bytes.Equal(data, []byte("line one\nline two\n")) {
		t.Errorf("dump content: %q", data)
	}
}
