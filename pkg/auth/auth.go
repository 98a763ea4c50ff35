// Package auth supplies the bearer token and reports when it changes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/docqa/pkg/log"
)

// Provider supplies the bearer credential and reports its changes. An
// empty string means no credential is present.
type Provider interface {
	Token() string
	// Watch emits the current token and then every change until ctx is
	// cancelled, after which the channel is closed.
	Watch(ctx context.Context) (<-chan string, error)
}

// Static is a fixed token
type Static string

func (s Static) Token() string { return string(s) }

func (s Static) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 1)
	ch <- string(s)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// FileProvider reads the token from a file and follows edits, atomic
// replacements and removal of that file.
type FileProvider struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	current string
}

// NewFileProvider creates a provider for path. A missing file is not an
// error; it yields an empty token until the file appears.
func NewFileProvider(path string) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve token file: %w", err)
	}
	p := &FileProvider{
		path:   abs,
		logger: log.WithComponent("auth"),
	}
	tok, err := p.read()
	if err != nil {
		return nil, err
	}
	p.current = tok
	return p, nil
}

// Token returns the last token read from disk
func (p *FileProvider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Watch monitors the token file's directory. Watching the directory
// rather than the file survives editors that replace files by rename.
func (p *FileProvider) Watch(ctx context.Context) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch token directory: %w", err)
	}

	out := make(chan string, 4)
	out <- p.Token()

	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != p.path {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				tok, changed := p.refresh()
				if !changed {
					continue
				}
				select {
				case out <- tok:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.logger.Warn().Err(err).Msg("Token watcher error")
			}
		}
	}()

	return out, nil
}

func (p *FileProvider) refresh() (string, bool) {
	tok, err := p.read()
	if err != nil {
		p.logger.Warn().Err(err).Str("path", p.path).Msg("Failed to read token file")
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok == p.current {
		return tok, false
	}
	p.current = tok
	if tok == "" {
		p.logger.Info().Msg("Token removed")
	} else {
		p.logger.Info().Msg("Token updated")
	}
	return tok, true
}

func (p *FileProvider) read() (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
