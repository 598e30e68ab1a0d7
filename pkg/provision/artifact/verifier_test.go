package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

// emptyWASM is the smallest valid WebAssembly module: magic plus version.
var emptyWASM = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeBundle(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write bundle: %v", err)
	}
	return path
}

func TestVerifyScriptBundle(t *testing.T) {
	v := NewVerifier(zerolog.Nop())
	path := writeBundle(t, "app.js", []byte("export default { fetch() {} }"))

	info, err := v.Verify(context.Background(), path)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if info.WASM {
		t.Error("expected script bundle not to be flagged as WASM")
	}
	if info.SizeBytes != 29 {
		t.Errorf("expected size 29, got %d", info.SizeBytes)
	}
	if len(info.SHA256) != 64 {
		t.Errorf("expected hex sha256, got %q", info.SHA256)
	}
}

func TestVerifyValidWASM(t *testing.T) {
	v := NewVerifier(zerolog.Nop())
	path := writeBundle(t, "app.wasm", emptyWASM)

	info, err := v.Verify(context.Background(), path)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !info.WASM {
		t.Error("expected bundle to be flagged as WASM")
	}
}

func TestVerifyCorruptWASM(t *testing.T) {
	v := NewVerifier(zerolog.Nop())
	path := writeBundle(t, "broken.wasm", []byte("not a wasm module"))

	_, err := v.Verify(context.Background(), path)
	if err == nil {
		t.Fatal("expected compile check to fail")
	}
	if !engine.IsConfiguration(err) {
		t.Errorf("expected configuration class, got %s", engine.Classify(err))
	}
}

func TestVerifyMissingBundle(t *testing.T) {
	v := NewVerifier(zerolog.Nop())

	_, err := v.Verify(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"))
	if err == nil {
		t.Fatal("expected error for missing bundle")
	}
	if !engine.IsValidation(err) {
		t.Errorf("expected validation class, got %s", engine.Classify(err))
	}
}

func TestVerifyEmptyBundle(t *testing.T) {
	v := NewVerifier(zerolog.Nop())
	path := writeBundle(t, "empty.js", nil)

	if _, err := v.Verify(context.Background(), path); err == nil {
		t.Fatal("expected error for empty bundle")
	}
}

func TestVerifySizeLimit(t *testing.T) {
	v := NewVerifier(zerolog.Nop())
	v.MaxSizeBytes = 8
	path := writeBundle(t, "big.js", []byte("exceeds the limit"))

	_, err := v.Verify(context.Background(), path)
	if err == nil {
		t.Fatal("expected error for oversized bundle")
	}
	if !engine.IsConfiguration(err) {
		t.Errorf("expected configuration class, got %s", engine.Classify(err))
	}
}
