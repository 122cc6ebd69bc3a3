package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/conclave/internal/worker"
)

// PersonalName is the registry name of the personal worker.
const PersonalName = "personal"

// Profile is the user's personal profile file.
type Profile struct {
	Name        string            `yaml:"name"`
	Goals       []string          `yaml:"goals"`
	Preferences []string          `yaml:"preferences"`
	Values      []string          `yaml:"values"`
	Facts       map[string]string `yaml:"facts"`
}

// Empty reports whether the profile carries nothing.
func (p Profile) Empty() bool {
	return p.Name == "" && len(p.Goals) == 0 && len(p.Preferences) == 0 &&
		len(p.Values) == 0 && len(p.Facts) == 0
}

// LoadProfile reads a YAML profile. A missing file yields an empty profile.
func LoadProfile(path string) (Profile, error) {
	var p Profile
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("reading profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return p, nil
}

// Personal answers from the user's profile, reloading it when the file changes.
type Personal struct {
	path   string
	logger *logging.Logger

	mu      sync.RWMutex
	profile Profile
}

// NewPersonal creates a personal worker for the profile at path.
func NewPersonal(path string) *Personal {
	return &Personal{
		path:   path,
		logger: logging.New().WithComponent("worker.personal"),
	}
}

func (p *Personal) Name() string { return PersonalName }

func (p *Personal) Capabilities() []worker.Capability {
	return []worker.Capability{worker.CapPersonal}
}

// Initialize loads the profile.
func (p *Personal) Initialize(ctx context.Context) error {
	return p.Reload()
}

// Reload re-reads the profile file.
func (p *Personal) Reload() error {
	prof, err := LoadProfile(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.profile = prof
	p.mu.Unlock()
	p.logger.Debug("profile loaded", map[string]interface{}{"path": p.path})
	return nil
}

// Profile returns the current profile.
func (p *Personal) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// Watch reloads the profile on file changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (p *Personal) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", p.path, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					p.logger.Warn("profile reload failed", map[string]interface{}{"error": err.Error()})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("profile watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}

// HandleRequest renders the profile, listing entries related to the query first.
func (p *Personal) HandleRequest(ctx context.Context, req worker.Request) worker.Response {
	prof := p.Profile()
	if prof.Empty() {
		return worker.Succeeded(PersonalName, req, "No personal profile on file.", map[string]interface{}{"items": 0})
	}

	var items []string
	if prof.Name != "" {
		items = append(items, "Name: "+prof.Name)
	}
	for _, g := range prof.Goals {
		items = append(items, "Goal: "+g)
	}
	for _, v := range prof.Values {
		items = append(items, "Value: "+v)
	}
	for _, pr := range prof.Preferences {
		items = append(items, "Preference: "+pr)
	}
	keys := make([]string, 0, len(prof.Facts))
	for k := range prof.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		items = append(items, fmt.Sprintf("%s: %s", k, prof.Facts[k]))
	}

	terms := strings.Fields(strings.ToLower(req.Query))
	relevant := func(item string) bool {
		lower := strings.ToLower(item)
		for _, t := range terms {
			if len(t) > 3 && strings.Contains(lower, t) {
				return true
			}
		}
		return false
	}
	sort.SliceStable(items, func(i, j int) bool {
		return relevant(items[i]) && !relevant(items[j])
	})

	var sb strings.Builder
	sb.WriteString("About the user:\n")
	for _, it := range items {
		sb.WriteString("- " + it + "\n")
	}
	return worker.Succeeded(PersonalName, req, strings.TrimSpace(sb.String()), map[string]interface{}{"items": len(items)})
}
