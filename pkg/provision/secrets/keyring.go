// Package secrets distributes deployment secrets through the host keyring
// and hands opaque references back to the engine.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"

	"github.com/openverge/openverge/pkg/engine"
)

const refScheme = "keyring://"

// Distributor stores secrets in the OS keyring. It implements
// engine.SecretDistributor. Raw values never leave this package; the engine
// only ever sees keyring:// references.
type Distributor struct {
	// prefix namespaces keyring service names per installation.
	prefix string
	log    zerolog.Logger
}

// NewDistributor creates a distributor. prefix defaults to "openverge".
func NewDistributor(prefix string, logger zerolog.Logger) *Distributor {
	if prefix == "" {
		prefix = "openverge"
	}
	return &Distributor{
		prefix: prefix,
		log:    logger.With().Str("component", "secret-distributor").Logger(),
	}
}

// Apply stores every spec'd secret and returns one ref per secret. Writing
// an already-present secret overwrites it, so re-applying is safe.
func (d *Distributor) Apply(ctx context.Context, cfg engine.DomainConfig, specs []engine.SecretSpec) (*engine.SecretResult, error) {
	service := d.serviceName(cfg)

	refs := make([]engine.SecretRef, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, engine.NewConfigurationError("secret with empty name", nil)
		}
		if err := ctx.Err(); err != nil {
			return nil, engine.NewTransientError("secret distribution interrupted", err)
		}

		if err := keyring.Set(service, spec.Name, spec.Value); err != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("failed to store secret %s", spec.Name), err)
		}
		refs = append(refs, engine.SecretRef{
			Name: spec.Name,
			Ref:  refScheme + service + "/" + spec.Name,
		})
		d.log.Debug().Str("service", service).Str("secret", spec.Name).Msg("secret stored")
	}

	return &engine.SecretResult{Refs: refs}, nil
}

// Compensate revokes the referenced secrets. Missing entries are treated as
// already revoked. All refs are attempted; the first failure is returned.
func (d *Distributor) Compensate(ctx context.Context, refs []engine.SecretRef) error {
	var firstErr error
	for _, ref := range refs {
		service, user, err := parseRef(ref.Ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		err = keyring.Delete(service, user)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			d.log.Warn().Err(err).Str("ref", ref.Ref).Msg("failed to revoke secret")
			if firstErr == nil {
				firstErr = engine.NewCompensationError(fmt.Sprintf("failed to revoke secret %s", ref.Name), err)
			}
			continue
		}
		d.log.Debug().Str("ref", ref.Ref).Msg("secret revoked")
	}
	return firstErr
}

// serviceName namespaces keyring entries per deployment identity.
func (d *Distributor) serviceName(cfg engine.DomainConfig) string {
	return fmt.Sprintf("%s:%s:%s:%s", d.prefix, cfg.Customer, cfg.Environment, cfg.Domain)
}

func parseRef(ref string) (service, user string, err error) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", "", engine.NewCompensationError(fmt.Sprintf("malformed secret ref %q", ref), nil)
	}
	rest := strings.TrimPrefix(ref, refScheme)
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", engine.NewCompensationError(fmt.Sprintf("malformed secret ref %q", ref), nil)
	}
	return rest[:idx], rest[idx+1:], nil
}
