package web

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTLSFilesDisabled(t *testing.T) {
	cfg, err := TLSFiles{}.Load()
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v %v", cfg, err)
	}
}

func TestTLSFilesRequiresKeyPair(t *testing.T) {
	if _, err := (TLSFiles{Cert: "cert.pem"}).Load(); err == nil {
		t.Fatal("expected error for cert without key")
	}
	if _, err := (TLSFiles{ClientCA: "ca.pem"}).Load(); err == nil {
		t.Fatal("expected error for client ca without key pair")
	}
}

func TestTLSFilesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	files := TLSFiles{Cert: filepath.Join(dir, "cert.pem"), Key: filepath.Join(dir, "key.pem")}
	if err := os.WriteFile(files.Cert, []byte("not pem"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := files.Load(); err == nil {
		t.Fatal("expected error for unreadable key pair")
	}
}
