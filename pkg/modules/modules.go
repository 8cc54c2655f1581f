// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package modules resolves tool, resource, and prompt handlers from the
// module registry, fetching and extracting packaged archives on demand.
package modules

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mcpden/mcpden/pkg/blob"
	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/logger"
)

// extractLockTimeout is the maximum time to wait for a package extraction
// lock held by a concurrent request.
const extractLockTimeout = 30 * time.Second

// Handler executes a named function on behalf of a dispatch operation.
type Handler interface {
	Call(ctx context.Context, function string, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, function string, args map[string]any) (any, error)

// Call invokes the wrapped function.
func (f HandlerFunc) Call(ctx context.Context, function string, args map[string]any) (any, error) {
	return f(ctx, function, args)
}

// PartitionAware is implemented by handlers that want the partition key of
// the request they serve.
type PartitionAware interface {
	SetPartitionKey(key string)
}

// Constructor builds a handler from the class setting. All handler classes
// share this construction convention.
type Constructor func(logger *slog.Logger, setting map[string]any) (Handler, error)

// ModuleSpec identifies the handler class to load for one configured
// function, resolved from the partition's module catalogue.
type ModuleSpec struct {
	PackageName  string
	ModuleName   string
	ClassName    string
	Source       string
	Setting      map[string]any
	PartitionKey string
}

type bindingKey struct {
	pkg    string
	module string
	class  string
}

// Registry holds handler constructors. Bindings tie a concrete
// (package, module, class) triple to a constructor; factories are named
// constructors that extracted archives reference from their manifest.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Constructor
	bindings  map[bindingKey]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Constructor),
		bindings:  make(map[bindingKey]Constructor),
	}
}

// RegisterFactory registers a named constructor that archive manifests can
// reference.
func (r *Registry) RegisterFactory(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = ctor
}

// Factory returns the named factory constructor.
func (r *Registry) Factory(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.factories[name]
	return ctor, ok
}

// Register binds a constructor to a (package, module, class) triple. An
// empty package name registers a process-wide builtin for the class.
func (r *Registry) Register(packageName, moduleName, className string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[bindingKey{packageName, moduleName, className}] = ctor
}

// Resolve finds the constructor for the triple, falling back to a builtin
// registered without a package name.
func (r *Registry) Resolve(packageName, moduleName, className string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ctor, ok := r.bindings[bindingKey{packageName, moduleName, className}]; ok {
		return ctor, true
	}
	ctor, ok := r.bindings[bindingKey{"", moduleName, className}]
	return ctor, ok
}

// Loader materialises handlers, downloading and extracting module packages
// from the blob store when a class is not yet resolvable.
type Loader struct {
	registry    *Registry
	blobs       blob.Store
	zipRoot     string
	extractRoot string
	log         *slog.Logger
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger overrides the loader's logger.
func WithLoaderLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

// NewLoader creates a loader over the given registry and blob store.
func NewLoader(registry *Registry, blobs blob.Store, zipRoot, extractRoot string, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:    registry,
		blobs:       blobs,
		zipRoot:     zipRoot,
		extractRoot: extractRoot,
		log:         logger.Get(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves and constructs the handler for spec. When the class is not
// registered and the module declares a source, the package archive is
// fetched from the blob store, extracted, and its manifest bindings applied
// before resolution is retried.
func (l *Loader) Load(ctx context.Context, spec ModuleSpec) (Handler, error) {
	ctor, ok := l.registry.Resolve(spec.PackageName, spec.ModuleName, spec.ClassName)
	if !ok {
		if spec.Source == "" {
			return nil, errors.NewModuleUnavailableError(
				fmt.Sprintf("module %s class %s is not registered", spec.ModuleName, spec.ClassName), nil)
		}
		if err := l.ensureExtracted(ctx, spec.PackageName, spec.ModuleName); err != nil {
			return nil, err
		}
		if err := l.registerFromManifest(spec.ModuleName); err != nil {
			return nil, err
		}
		ctor, ok = l.registry.Resolve(spec.PackageName, spec.ModuleName, spec.ClassName)
		if !ok {
			return nil, errors.NewModuleUnavailableError(
				fmt.Sprintf("module %s class %s is not registered after extracting package %s",
					spec.ModuleName, spec.ClassName, spec.PackageName), nil)
		}
	}

	handler, err := ctor(l.log, spec.Setting)
	if err != nil {
		return nil, errors.NewHandlerConstructionFailedError(
			fmt.Sprintf("failed to construct %s.%s", spec.ModuleName, spec.ClassName), err)
	}

	if aware, ok := handler.(PartitionAware); ok {
		aware.SetPartitionKey(spec.PartitionKey)
	}
	return handler, nil
}

// ensureExtracted makes extractRoot/moduleName available, downloading and
// extracting the package archive when missing. A per-package file lock
// serialises concurrent extractions; the second caller observes the
// extracted directory.
func (l *Loader) ensureExtracted(ctx context.Context, packageName, moduleName string) error {
	moduleDir := filepath.Join(l.extractRoot, moduleName)
	if dirExists(moduleDir) {
		return nil
	}
	if packageName == "" {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("module %s is not extracted and has no package name", moduleName), nil)
	}

	if err := os.MkdirAll(l.zipRoot, 0o750); err != nil {
		return errors.NewModuleUnavailableError("failed to create zip root", err)
	}
	if err := os.MkdirAll(l.extractRoot, 0o750); err != nil {
		return errors.NewModuleUnavailableError("failed to create extract root", err)
	}

	fileLock := flock.New(filepath.Join(l.zipRoot, packageName+".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, extractLockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("failed to acquire extraction lock for package %s", packageName), err)
	}
	if !locked {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("timed out waiting for extraction lock for package %s", packageName), nil)
	}
	defer fileLock.Unlock()

	// A concurrent request may have finished the extraction while we waited.
	if dirExists(moduleDir) {
		return nil
	}

	key := blob.ArchiveKey(packageName)
	l.log.Info("Downloading module package", "package", packageName, "key", key)
	body, err := l.blobs.Download(ctx, key)
	if err != nil {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("failed to download package %s", packageName), err)
	}

	zipPath := filepath.Join(l.zipRoot, key)
	if err := os.WriteFile(zipPath, body, 0o600); err != nil {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("failed to write archive for package %s", packageName), err)
	}

	if err := extractArchive(zipPath, l.extractRoot); err != nil {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("failed to extract package %s", packageName), err)
	}
	l.log.Info("Extracted module package", "package", packageName, "path", l.extractRoot)
	return nil
}

// manifest is the plugin.json document shipped inside a module archive. It
// binds the archive's class names to factories registered in the process.
type manifest struct {
	Package string            `json:"package"`
	Module  string            `json:"module"`
	Classes map[string]string `json:"classes"`
}

func (l *Loader) registerFromManifest(moduleName string) error {
	manifestPath := filepath.Join(l.extractRoot, moduleName, "plugin.json")
	// #nosec G304 -- path is rooted at the configured extract directory.
	body, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			// The archive may rely on bindings registered at startup.
			return nil
		}
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("failed to read manifest for module %s", moduleName), err)
	}

	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return errors.NewModuleUnavailableError(
			fmt.Sprintf("malformed manifest for module %s", moduleName), err)
	}
	if m.Module == "" {
		m.Module = moduleName
	}

	for className, factoryName := range m.Classes {
		ctor, ok := l.registry.Factory(factoryName)
		if !ok {
			l.log.Warn("Manifest references unknown factory",
				"module", moduleName, "class", className, "factory", factoryName)
			continue
		}
		l.registry.Register(m.Package, m.Module, className, ctor)
	}
	return nil
}

func extractArchive(zipPath, destDir string) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	for _, f := range reader.File {
		// Clean the path and ensure it stays within destDir.
		cleanName := filepath.Clean(f.Name)
		if filepath.IsAbs(cleanName) || cleanName == ".." ||
			strings.HasPrefix(cleanName, ".."+string(os.PathSeparator)) {
			continue
		}
		target := filepath.Join(destDir, cleanName)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("failed to create %s: %w", cleanName, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", cleanName, err)
		}
		if err := writeArchiveEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeArchiveEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	// #nosec G304 -- target is slip-checked against the extract root.
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.Name, err)
	}
	defer out.Close()

	// #nosec G110 -- archives come from the daemon's own bucket.
	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Name, err)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
