package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/mcp-app-bridge/apps"
)

const (
	markupExt = ".html"
	metaExt   = ".meta.json"
)

// DirSource serves app markup from a directory tree laid out as
// <root>/<extension>/<path>.html, addressed as ui://<extension>/<path>.
// An optional <path>.meta.json sidecar holds the resource's _meta.ui object.
// It is meant for developing apps without an extension server.
type DirSource struct {
	root string
	log  *slog.Logger
}

// NewDirSource creates a DirSource rooted at root.
func NewDirSource(root string, log *slog.Logger) (*DirSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("app directory %s is not a directory", abs)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DirSource{root: abs, log: log}, nil
}

// Fetch implements Fetcher.
func (d *DirSource) Fetch(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error) {
	base, err := d.filePath(extensionName, uri)
	if err != nil {
		return nil, err
	}
	markup, err := os.ReadFile(base + markupExt)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, err
	}

	var meta *apps.UIMeta
	raw, err := os.ReadFile(base + metaExt)
	switch {
	case err == nil:
		meta = &apps.UIMeta{}
		if err := json.Unmarshal(raw, meta); err != nil {
			return nil, fmt.Errorf("parse %s: %w", base+metaExt, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	return meta.ContentFrom(string(markup)), nil
}

// List returns a descriptor for every app under the root, sorted by URI.
func (d *DirSource) List(ctx context.Context) ([]apps.AppDescriptor, error) {
	var out []apps.AppDescriptor
	err := filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(p, markupExt) {
			return nil
		}
		ext, uri, ok := d.uriFor(p)
		if !ok {
			return nil
		}
		out = append(out, apps.AppDescriptor{
			URI:           uri,
			ExtensionName: ext,
			Name:          path.Base(uri),
			MCPServer:     "dir:" + ext,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

// Watch calls onChange for every app whose markup or metadata changes,
// until ctx is done.
func (d *DirSource) Watch(ctx context.Context, onChange func(extensionName, uri string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	err = filepath.WalkDir(d.root, func(p string, de fs.DirEntry, err error) error {
		if err != nil || !de.IsDir() {
			return nil
		}
		return w.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", d.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := ev.Name
			switch {
			case strings.HasSuffix(name, metaExt):
				name = strings.TrimSuffix(name, metaExt) + markupExt
			case !strings.HasSuffix(name, markupExt):
				continue
			}
			if ext, uri, ok := d.uriFor(name); ok {
				d.log.DebugContext(ctx, "resources.dir.changed", slog.String("uri", uri), slog.String("op", ev.Op.String()))
				onChange(ext, uri)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.WarnContext(ctx, "resources.dir.watch_error", slog.String("err", err.Error()))
		}
	}
}

// filePath maps a ui:// URI to its file path without extension. The URI's
// first segment must name the extension.
func (d *DirSource) filePath(extensionName, uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, apps.ResourceScheme)
	if !ok {
		return "", fmt.Errorf("%w: %s is not an app resource", ErrNotFound, uri)
	}
	ext, rel, ok := strings.Cut(rest, "/")
	if !ok || ext != extensionName || rel == "" {
		return "", fmt.Errorf("%w: %s does not belong to %s", ErrNotFound, uri, extensionName)
	}
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	clean = strings.TrimSuffix(clean, markupExt)
	return filepath.Join(d.root, filepath.FromSlash(ext), filepath.FromSlash(clean)), nil
}

// uriFor is the inverse of filePath for a markup file.
func (d *DirSource) uriFor(file string) (ext, uri string, ok bool) {
	rel, err := filepath.Rel(d.root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)
	ext, p, found := strings.Cut(rel, "/")
	if !found || p == "" {
		return "", "", false
	}
	return ext, apps.ResourceScheme + ext + "/" + strings.TrimSuffix(p, markupExt), true
}
