package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBlobStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	s, err := NewFileBlobStore(path, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.Load(); ok || err != nil {
		t.Fatalf("fresh store: ok=%v err=%v", ok, err)
	}

	want := []byte(`{"balance":42}`)
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := s.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q", got)
	}

	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Error("document survived delete")
	}
	if err := s.Delete(); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestFileBlobStoreSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.bin")
	key := strings.Repeat("a1", 32)
	s, err := NewFileBlobStore(path, key)
	if err != nil {
		t.Fatal(err)
	}

	secret := []byte(`{"nwcUri":"nostr+walletconnect://..."}`)
	if err := s.Save(secret); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// ciphertext on disk, plaintext through the store
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("walletconnect")) {
		t.Error("snapshot stored in plaintext despite seal key")
	}
	got, ok, err := s.Load()
	if err != nil || !ok || !bytes.Equal(got, secret) {
		t.Errorf("Load: %q ok=%v err=%v", got, ok, err)
	}

	// wrong key must not decrypt
	other, err := NewFileBlobStore(path, strings.Repeat("b2", 32))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := other.Load(); err == nil {
		t.Error("wrong key decrypted the snapshot")
	}
}

func TestFileBlobStoreKeyValidation(t *testing.T) {
	if _, err := NewFileBlobStore("x", "short"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewFileBlobStore("x", strings.Repeat("zz", 32)); err == nil {
		t.Error("non-hex key accepted")
	}
}
