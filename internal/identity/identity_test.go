package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "identity.key")

	kp := Generate()
	if err := Save(path, kp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("identity file mode = %o, want 0600", info.Mode().Perm())
	}

	loaded, ok, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for an existing file")
	}
	if loaded.Public != kp.Public || loaded.Private != kp.Private {
		t.Fatal("loaded keypair does not match saved keypair")
	}
}

func TestLoadMissingFileReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := Load(filepath.Join(dir, "missing.key"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a missing file")
	}
}

func TestLoadOrGenerateGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.Public != second.Public {
		t.Fatal("second LoadOrGenerate should load the persisted identity, not generate a new one")
	}
}

func TestFingerprintIsDeterministicAndGrouped(t *testing.T) {
	kp := Generate()
	a := Fingerprint(kp.Public)
	b := Fingerprint(kp.Public)
	if a != b {
		t.Fatal("fingerprint should be deterministic")
	}
	if len(a) == 0 {
		t.Fatal("fingerprint should be non-empty")
	}
}

func TestHexIDMatchesPublicKeyLength(t *testing.T) {
	kp := Generate()
	id := HexID(kp.Public)
	if len(id) != 64 {
		t.Fatalf("hex id length = %d, want 64 (32 bytes hex-encoded)", len(id))
	}
}
