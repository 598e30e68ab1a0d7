package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads operator policies from .rego files and can watch them for
// changes.
type Loader struct {
	log     zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		log: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadDir loads every .rego file in dir, non-recursively. The policy name
// is the file name without extension.
func (l *Loader) LoadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}

		policies = append(policies, Policy{
			Name:        strings.TrimSuffix(entry.Name(), ".rego"),
			Description: extractDescription(string(data)),
			Rego:        string(data),
		})
	}

	l.log.Info().Str("dir", dir).Int("count", len(policies)).Msg("policies loaded")
	return policies, nil
}

// LoadInto loads dir and registers every policy with the checker.
func (l *Loader) LoadInto(ctx context.Context, dir string, checker *Checker) error {
	policies, err := l.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := checker.Add(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Watch reloads dir into the checker whenever a .rego file changes. Reloads
// are debounced so editors that write in bursts trigger one reload. Watch
// returns immediately; the watch ends when ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, dir string, checker *Checker) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.watcher = watcher

	go l.processEvents(ctx, dir, checker)

	l.log.Info().Str("dir", dir).Msg("watching policy directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, dir string, checker *Checker) {
	const reloadDelay = 500 * time.Millisecond
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			l.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.LoadInto(ctx, dir, checker); err != nil {
					l.log.Error().Err(err).Msg("failed to reload policies")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// extractDescription collects the leading comment block of a Rego file.
func extractDescription(source string) string {
	var b strings.Builder
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(comment)
	}
	return b.String()
}
