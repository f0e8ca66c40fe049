package hasher

import (
	"os"
	"path/filepath"
	"testing"

	"buildsentry/logger"
)

func init() {
	logger.Init("error")
}

func TestComputeHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash-test")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	hashes := ComputeHashes(path, []string{"md5", "sha1", "sha256", "unknown"})
	if hashes["md5"] != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("md5 mismatch: %s", hashes["md5"])
	}
	if hashes["sha1"] != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("sha1 mismatch: %s", hashes["sha1"])
	}
	if hashes["sha256"] != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 mismatch: %s", hashes["sha256"])
	}
	if _, ok := hashes["unknown"]; ok {
		t.Errorf("unexpected hash for unknown algorithm")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash-file")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	digest, err := HashFile(path, "sha256")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if digest != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("sha256 mismatch: %s", digest)
	}

	for _, algo := range []string{"xxh64", "blake3"} {
		d, err := HashFile(path, algo)
		if err != nil {
			t.Fatalf("%s: %v", algo, err)
		}
		if d == "" {
			t.Errorf("%s produced empty digest", algo)
		}
	}
}

func TestHashFileErrors(t *testing.T) {
	if _, err := HashFile("/nonexistent/file", "sha256"); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := HashFile(path, "crc17"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestHashBytesMatchesHashFile(t *testing.T) {
	content := []byte("module.exports = function () {};\n")
	path := filepath.Join(t.TempDir(), "f.js")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fromFile, err := HashFile(path, "sha256")
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	fromBytes, err := HashBytes(content, "sha256")
	if err != nil {
		t.Fatalf("hash bytes: %v", err)
	}
	if fromFile != fromBytes {
		t.Fatalf("digest mismatch: %s vs %s", fromFile, fromBytes)
	}
}

func TestSupported(t *testing.T) {
	for _, algo := range []string{"md5", "sha1", "sha256", "xxh64", "blake3"} {
		if !Supported(algo) {
			t.Errorf("expected %s supported", algo)
		}
	}
	if Supported("whirlpool") {
		t.Error("unexpected support for whirlpool")
	}
}
