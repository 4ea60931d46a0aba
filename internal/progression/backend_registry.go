package progression

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type FactoryOptions struct {
	BackupDepth int
	Logger      Logger
}

type AdapterFactory func(dsn string, opts FactoryOptions) (Adapter, error)

var adapterFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]AdapterFactory
}{
	factories: map[string]AdapterFactory{},
}

// RegisterAdapterFactory installs a factory for a DSN scheme, taking
// precedence over the built-in schemes.
func RegisterAdapterFactory(scheme string, factory AdapterFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	adapterFactoryRegistry.mu.Lock()
	defer adapterFactoryRegistry.mu.Unlock()
	adapterFactoryRegistry.factories[scheme] = factory
}

func lookupAdapterFactory(scheme string) (AdapterFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	adapterFactoryRegistry.mu.RLock()
	defer adapterFactoryRegistry.mu.RUnlock()
	factory, ok := adapterFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildAdapterFromDSN returns (nil, nil) for an empty DSN so callers can
// leave a backend slot unconfigured.
func BuildAdapterFromDSN(dsn string, opts FactoryOptions) (Adapter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupAdapterFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path, opts.BackupDepth, opts.Logger)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path, opts.BackupDepth, opts.Logger)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, opts.BackupDepth, opts.Logger)
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltBackend(path)
	case "redis", "rediss":
		return NewRedisBackend(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "legacy":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewLegacyFileBackend(path)
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	// file://relative/dir parses "relative" as the host.
	if host != "" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
