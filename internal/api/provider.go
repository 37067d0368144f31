package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/plinthml/plinth/internal/blobs"
	"github.com/plinthml/plinth/pkg/kernel"
	"github.com/plinthml/plinth/pkg/runtime"
	"github.com/plinthml/plinth/pkg/trace"
)

// ErrProgramNotFound marks program ids that resolve to nothing servable.
var ErrProgramNotFound = errors.New("program not found")

// ModuleProvider resolves program ids and hands out loaded modules.
type ModuleProvider interface {
	WithModule(ctx context.Context, programID string, fn func(mod *runtime.Module) error) error
	ListPrograms() ([]string, error)
}

type ProviderConfig struct {
	// DefaultProgramPath serves requests that name no program.
	DefaultProgramPath string
	// ProgramsPath is the directory ids resolve against.
	ProgramsPath string
	// CacheDir receives artifacts fetched for gs:// references.
	CacheDir string

	Kernels      *kernel.Registry
	Tracer       *trace.Tracer
	Verification runtime.Verification
}

// CachedModuleProvider loads each program once and serves it from a cache.
// Module handles per-method execution serialisation itself.
type CachedModuleProvider struct {
	cfg   ProviderConfig
	mu    sync.Mutex
	cache map[string]*runtime.Module
}

var _ ModuleProvider = (*CachedModuleProvider)(nil)

const envPlinthProgramsDir = "PLINTH_PROGRAMS_DIR"

func NewCachedModuleProvider(cfg ProviderConfig) *CachedModuleProvider {
	return &CachedModuleProvider{
		cfg:   cfg,
		cache: make(map[string]*runtime.Module),
	}
}

func (p *CachedModuleProvider) WithModule(ctx context.Context, programID string, fn func(mod *runtime.Module) error) error {
	path, err := p.resolveProgramPath(ctx, programID)
	if err != nil {
		return err
	}
	mod, err := p.getOrLoad(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(mod)
}

// ListPrograms reports the ids servable from the programs directory.
func (p *CachedModuleProvider) ListPrograms() ([]string, error) {
	dir := p.programsDir()
	if dir == "" {
		if p.cfg.DefaultProgramPath != "" {
			return []string{idForPath(p.cfg.DefaultProgramPath)}, nil
		}
		return nil, nil
	}
	paths, err := discoverPrograms(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		ids = append(ids, idForPath(path))
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *CachedModuleProvider) getOrLoad(path string) (*runtime.Module, error) {
	p.mu.Lock()
	mod, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return mod, nil
	}

	loaded, err := runtime.OpenModule(path, runtime.ModuleConfig{
		DataFile:     dataFileFor(path),
		Kernels:      p.cfg.Kernels,
		Tracer:       p.cfg.Tracer,
		Verification: p.cfg.Verification,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		loaded.Close()
		return existing, nil
	}
	p.cache[path] = loaded
	return loaded, nil
}

// Close releases every cached module.
func (p *CachedModuleProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for path, mod := range p.cache {
		if err := mod.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.cache, path)
	}
	return firstErr
}

func (p *CachedModuleProvider) resolveProgramPath(ctx context.Context, programID string) (string, error) {
	programID = strings.TrimSpace(programID)
	if programID != "" {
		if strings.HasPrefix(programID, "gs://") {
			path, err := blobs.Resolve(ctx, programID, p.cfg.CacheDir)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrProgramNotFound, err)
			}
			return path, nil
		}
		if looksLikePath(programID) {
			return filepath.Clean(programID), nil
		}
		dir := p.programsDir()
		if dir == "" {
			return "", fmt.Errorf("%w: %q (no programs directory configured)", ErrProgramNotFound, programID)
		}
		if resolved := resolveInDir(dir, programID); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: %q in %s", ErrProgramNotFound, programID, dir)
	}

	if p.cfg.DefaultProgramPath != "" {
		return filepath.Clean(p.cfg.DefaultProgramPath), nil
	}
	dir := p.programsDir()
	if dir == "" {
		return "", fmt.Errorf("%w: no program given and no default configured", ErrProgramNotFound)
	}
	programs, err := discoverPrograms(dir)
	if err != nil {
		return "", err
	}
	switch len(programs) {
	case 1:
		return programs[0], nil
	case 0:
		return "", fmt.Errorf("%w: no .plp programs in %s", ErrProgramNotFound, dir)
	default:
		return "", fmt.Errorf("%w: multiple programs in %s, name one", ErrProgramNotFound, dir)
	}
}

func (p *CachedModuleProvider) programsDir() string {
	if dir := strings.TrimSpace(p.cfg.ProgramsPath); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(envPlinthProgramsDir))
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), ".plp")
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), ".plp") {
		cand = filepath.Join(dir, name+".plp")
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverPrograms(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("programs path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	programs := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".plp") {
			continue
		}
		programs = append(programs, filepath.Join(dir, e.Name()))
	}
	return programs, nil
}

// dataFileFor returns the sibling .pld file when one exists, so programs
// ship next to their weights without extra configuration.
func dataFileFor(programPath string) string {
	ext := filepath.Ext(programPath)
	cand := strings.TrimSuffix(programPath, ext) + ".pld"
	if fileExists(cand) {
		return cand
	}
	return ""
}

func idForPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
