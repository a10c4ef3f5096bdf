package util

import (
	"bytes"
	"testing"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("expected 32 bytes, got %d and %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two random draws should differ")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected zeroed slice, got %v", b)
	}
}

func TestCopyBytesIsIndependent(t *testing.T) {
	src := []byte("abc")
	dst := CopyBytes(src)
	dst[0] = 'X'
	if src[0] != 'a' {
		t.Error("CopyBytes should not alias the source")
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"  Alice@Example.COM ": "alice@example.com",
		"ＡＤＭＩＮ":               "admin", // fullwidth folds under NFKC
		"192.168.1.1":          "192.168.1.1",
	}
	for in, want := range cases {
		if got := NormalizeIdentifier(in); got != want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestURLToken(t *testing.T) {
	got := URLToken([]byte{0xfb, 0xff})
	if got != "-_8" {
		t.Errorf("URLToken = %q, want %q", got, "-_8")
	}
}
