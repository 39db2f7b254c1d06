package secrets

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	if s.Exists() {
		t.Fatal("fresh store should not exist yet")
	}
	if _, err := s.Get("web-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.Set("web-1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("db-1", "s3cret"); err != nil {
		t.Fatal(err)
	}

	pw, err := s.Get("web-1")
	if err != nil {
		t.Fatal(err)
	}
	if pw != "hunter2" {
		t.Errorf("password = %q", pw)
	}
	if !s.Exists() {
		t.Error("store should exist after Set")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Set("web-1", "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("web-1", "new"); err != nil {
		t.Fatal(err)
	}
	pw, err := s.Get("web-1")
	if err != nil {
		t.Fatal(err)
	}
	if pw != "new" {
		t.Errorf("password = %q, want new", pw)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Delete("absent"); err != nil {
		t.Fatalf("deleting absent entry: %v", err)
	}
	if err := s.Set("web-1", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("web-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("web-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestCiphertextIsOpaque(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Set("web-1", "plaintext-password"); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, secretsFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) <= nonceLen {
		t.Fatal("ciphertext suspiciously short")
	}
	if bytes.Contains(raw, []byte("plaintext-password")) {
		t.Error("password stored in the clear")
	}
}

func TestDecryptRejectsTamperedData(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Set("web-1", "pw"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, secretsFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("web-1"); err == nil {
		t.Fatal("expected decryption failure on tampered ciphertext")
	}
}
