package tenantconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File is a read-only Source backed by a YAML file of the form
//
//	tenants:
//	  <tenant_id>:
//	    RISK_MODEL.TASK_SPECIFIC_RISK_SCORE_METRIC.thresholds: {low: 50, medium: 150}
//
// Watch reloads the file on change and bumps the generation of every tenant.
type File struct {
	path string
	gen  atomic.Int64

	mu      sync.RWMutex
	tenants map[string]map[string]string
}

type fileDoc struct {
	Tenants map[string]map[string]any `yaml:"tenants"`
}

// NewFile loads path.
func NewFile(path string) (*File, error) {
	f := &File{path: path}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return eris.Wrapf(err, "tenantconfig: read %s", f.path)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return eris.Wrapf(err, "tenantconfig: parse %s", f.path)
	}
	tenants := make(map[string]map[string]string, len(doc.Tenants))
	for tenant, values := range doc.Tenants {
		flat := make(map[string]string, len(values))
		for path, v := range values {
			s, err := encodeValue(v)
			if err != nil {
				return eris.Wrapf(err, "tenantconfig: %s %s", tenant, path)
			}
			flat[path] = s
		}
		tenants[tenant] = flat
	}
	f.mu.Lock()
	f.tenants = tenants
	f.mu.Unlock()
	f.gen.Add(1)
	return nil
}

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", fmt.Errorf("empty value")
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func (f *File) Load(_ context.Context, tenantID string) (map[string]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.tenants[tenantID]), nil
}

func (f *File) Generation(_ context.Context, _ string) (int64, error) {
	return f.gen.Load(), nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are seen. A reload
// that fails keeps the previous contents.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "tenantconfig: create watcher")
	}
	defer w.Close() //nolint:errcheck

	target := filepath.Clean(f.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return eris.Wrapf(err, "tenantconfig: watch %s", target)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				zap.L().Warn("tenantconfig: reload failed", zap.String("path", target), zap.Error(err))
				continue
			}
			zap.L().Info("tenantconfig: reloaded file", zap.String("path", target), zap.Int64("generation", f.gen.Load()))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			zap.L().Warn("tenantconfig: watcher error", zap.Error(err))
		}
	}
}
