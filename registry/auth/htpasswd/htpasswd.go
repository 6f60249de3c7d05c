// Package htpasswd provides an identity source that checks credentials
// against bcrypt hashes in an htpasswd formatted file. The file is read
// again when it changes on disk.
package htpasswd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/bcrypt"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/auth"
)

// Parameters configures the htpasswd identity source.
type Parameters struct {
	Path string `mapstructure:"path"`
}

// Source authenticates principals listed in an htpasswd file.
type Source struct {
	path string

	mu      sync.RWMutex
	entries map[string][]byte

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ auth.Authenticator = &Source{}

func init() {
	if err := auth.Register("htpasswd", func(options map[string]any) (auth.Authenticator, error) {
		return FromParameters(options)
	}); err != nil {
		panic(err)
	}
}

// FromParameters builds a Source from identity source options.
func FromParameters(options map[string]any) (*Source, error) {
	var params Parameters
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(options); err != nil {
		return nil, fmt.Errorf("htpasswd: invalid parameters: %w", err)
	}
	if params.Path == "" {
		return nil, errors.New(`htpasswd: "path" must be set`)
	}
	return New(params.Path)
}

// New reads the file at path and watches it for changes.
func New(path string) (*Source, error) {
	s := &Source{
		path: filepath.Clean(path),
		done: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors replace files, so the directory is watched.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// Authenticate checks password against the hash of username.
func (s *Source) Authenticate(ctx context.Context, username, password string) (auth.UserInfo, error) {
	s.mu.RLock()
	hash, ok := s.entries[username]
	s.mu.RUnlock()

	if !ok {
		// Compare against nothing so unknown users take as long as known ones.
		_ = bcrypt.CompareHashAndPassword([]byte{}, []byte(password))
		return auth.UserInfo{}, auth.ErrAuthenticationFailure
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		dcontext.GetLogger(ctx).Debugf("htpasswd: password mismatch for %q", username)
		return auth.UserInfo{}, auth.ErrAuthenticationFailure
	}
	return auth.UserInfo{Name: username}, nil
}

// Close stops watching the file.
func (s *Source) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *Source) watch() {
	logger := dcontext.GetLoggerWithField(dcontext.Background(), "htpasswd.path", s.path)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.load(); err != nil {
				logger.WithError(err).Error("htpasswd: reload failed, keeping previous entries")
				continue
			}
			logger.Info("htpasswd: reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("htpasswd: watch error")
		}
	}
}

func (s *Source) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := parse(f)
	if err != nil {
		return fmt.Errorf("htpasswd: %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// parse reads user:hash lines. Blank lines and lines starting with # are
// skipped. Only bcrypt hashes are accepted.
func parse(rd io.Reader) (map[string][]byte, error) {
	entries := map[string][]byte{}
	scanner := bufio.NewScanner(rd)
	line := 0
	for scanner.Scan() {
		line++
		t := strings.TrimSpace(scanner.Text())
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}

		user, hash, ok := strings.Cut(t, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("line %d: expected user:hash", line)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("line %d: user %q: %w", line, user, err)
		}
		entries[user] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
