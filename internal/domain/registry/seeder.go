package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/infrastructure/logging"
)

// ManifestNames are the file names recognised as plugin manifests
var ManifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml", "plugin.toml"}

// Failure describes a manifest file that could not be installed
type Failure struct {
	Path   string   `json:"path"`
	Errors []string `json:"errors"`
}

// SeedReport summarises one directory scan
type SeedReport struct {
	Loaded []string  `json:"loaded"`
	Failed []Failure `json:"failed,omitempty"`
}

// Seeder installs plugins found below a directory into a repository.
// Local bundle locations are rewritten relative to that directory, so a
// bundle loader rooted there resolves them.
type Seeder struct {
	repo      *MemoryRepository
	dir       string
	validator *manifest.Validator
	log       *logging.Logger
}

// NewSeeder creates a seeder for dir
func NewSeeder(repo *MemoryRepository, dir string, v *manifest.Validator, log *logging.Logger) *Seeder {
	if v == nil {
		v = manifest.NewValidator()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Seeder{repo: repo, dir: dir, validator: v, log: log.Named("seeder")}
}

// LoadDir scans the directory and installs every valid manifest as an
// enabled record. Invalid manifests are reported, not fatal. A missing
// directory yields an empty report.
func (s *Seeder) LoadDir(ctx context.Context) (SeedReport, error) {
	var report SeedReport

	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("plugin directory not found", zap.String("dir", s.dir))
		return report, nil
	}

	var (
		mu    sync.Mutex
		found []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !slices.Contains(ManifestNames, d.Name()) {
			return nil
		}
		mu.Lock()
		found = append(found, p)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan %s: %w", s.dir, err)
	}

	// stable order so duplicate ids resolve the same way on every start
	slices.Sort(found)
	seen := make(map[string]string, len(found))

	for _, p := range found {
		m, problems := s.load(p)
		if len(problems) == 0 {
			if prev, dup := seen[m.ID]; dup {
				problems = []string{fmt.Sprintf("id: %q already declared by %s", m.ID, prev)}
			}
		}
		if len(problems) > 0 {
			report.Failed = append(report.Failed, Failure{Path: p, Errors: problems})
			s.log.Warn("skipping plugin manifest", zap.String("path", p), zap.Strings("errors", problems))
			continue
		}
		seen[m.ID] = p
		s.repo.Put(m, true)
		report.Loaded = append(report.Loaded, m.ID)
	}

	s.log.Info("plugin directory loaded",
		zap.String("dir", s.dir),
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}

func (s *Seeder) load(p string) (manifest.Manifest, []string) {
	raw, err := manifest.DecodeFile(p)
	if err != nil {
		return manifest.Manifest{}, []string{err.Error()}
	}

	if raw.Bundle != nil {
		rel, err := filepath.Rel(s.dir, filepath.Dir(p))
		if err != nil {
			return manifest.Manifest{}, []string{err.Error()}
		}
		raw.Bundle.Location = relocate(filepath.ToSlash(rel), raw.Bundle.Location)
	}

	res := s.validator.Validate(raw)
	if !res.Valid {
		return manifest.Manifest{}, res.Errors
	}
	return *res.Manifest, nil
}

// relocate prefixes a local bundle location with the manifest's directory.
// Remote and malformed locations are left for validation to judge.
func relocate(dir, location string) string {
	if location == "" || strings.Contains(location, ":") || path.IsAbs(location) || dir == "." {
		return location
	}
	return path.Join(dir, strings.TrimPrefix(location, "./"))
}
