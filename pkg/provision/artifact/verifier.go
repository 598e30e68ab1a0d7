// Package artifact inspects worker bundles before any provisioning side
// effect is performed.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/openverge/openverge/pkg/engine"
)

// Verifier inspects worker bundles. It implements engine.ArtifactVerifier.
// WASM bundles are compile-checked so broken builds are rejected before the
// lifecycle touches any external system.
type Verifier struct {
	// MaxSizeBytes rejects bundles above this size. Zero means 25 MiB.
	MaxSizeBytes int64

	log zerolog.Logger
}

const defaultMaxSize = 25 << 20

// NewVerifier creates a verifier.
func NewVerifier(logger zerolog.Logger) *Verifier {
	return &Verifier{
		log: logger.With().Str("component", "artifact-verifier").Logger(),
	}
}

// Verify reads the bundle at path and returns its metadata.
func (v *Verifier) Verify(ctx context.Context, path string) (*engine.ArtifactInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engine.NewValidationError(fmt.Sprintf("bundle %s does not exist", path), err)
		}
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read bundle %s", path), err)
	}

	maxSize := v.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if int64(len(data)) > maxSize {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("bundle %s is %d bytes, limit is %d", path, len(data), maxSize), nil)
	}
	if len(data) == 0 {
		return nil, engine.NewConfigurationError(fmt.Sprintf("bundle %s is empty", path), nil)
	}

	sum := sha256.Sum256(data)
	info := &engine.ArtifactInfo{
		Path:      path,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
		WASM:      strings.HasSuffix(path, ".wasm"),
	}

	if info.WASM {
		if err := v.compileCheck(ctx, data); err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("bundle %s failed compile check", path), err)
		}
	}

	v.log.Debug().Str("path", path).Str("sha256", info.SHA256).Int64("size", info.SizeBytes).Msg("bundle verified")
	return info, nil
}

// compileCheck compiles the module in a throwaway runtime without
// instantiating it, so host imports do not need to be satisfied.
func (v *Verifier) compileCheck(ctx context.Context, wasm []byte) error {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("failed to compile module: %w", err)
	}
	return compiled.Close(ctx)
}
