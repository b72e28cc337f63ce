package extensions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elnormous/contenttype"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/dispatcher"
	"github.com/ggoodman/mcp-app-bridge/resources"
)

// wireContents is one resources/read entry including the _meta.ui object
// extension servers attach to app markup.
type wireContents struct {
	apps.ResourceContents
	Meta struct {
		UI *apps.UIMeta `json:"ui,omitempty"`
	} `json:"_meta"`
}

type readResult struct {
	Contents []wireContents `json:"contents"`
}

// reshape converts an SDK value into one of ours through its JSON form.
func reshape[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func (m *Manager) read(ctx context.Context, extensionName, uri string) ([]wireContents, error) {
	s, err := m.session(ctx, extensionName)
	if err != nil {
		return nil, err
	}
	res, err := s.ReadResource(ctx, &sdk.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("read %s from %q: %w", uri, extensionName, err)
	}
	wrapped, err := reshape[readResult](res)
	if err != nil {
		return nil, fmt.Errorf("decode resources/read result: %w", err)
	}
	return wrapped.Contents, nil
}

// appMarkupRank orders candidate media types: the app profile beats plain
// HTML, anything else is not markup.
func appMarkupRank(mime string) int {
	if mime == "" {
		return 0
	}
	mt, err := contenttype.ParseMediaType(mime)
	if err != nil || mt.Type != "text" || mt.Subtype != "html" {
		return 0
	}
	if strings.EqualFold(mt.Parameters["profile"], "mcp-app") {
		return 2
	}
	return 1
}

func markupOf(c wireContents) (string, bool) {
	if c.Text != "" {
		return c.Text, true
	}
	if c.Blob != "" {
		b, err := base64.StdEncoding.DecodeString(c.Blob)
		if err == nil && len(b) > 0 {
			return string(b), true
		}
	}
	return "", false
}

// Fetch implements resources.Fetcher by reading the ui:// resource from the
// extension and selecting its app markup.
func (m *Manager) Fetch(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error) {
	if !apps.IsAppResource(uri) {
		return nil, fmt.Errorf("%w: %s is not an app resource", resources.ErrNotFound, uri)
	}
	contents, err := m.read(ctx, extensionName, uri)
	if err != nil {
		return nil, err
	}

	best, bestRank := -1, 0
	for i, c := range contents {
		if _, ok := markupOf(c); !ok {
			continue
		}
		if r := appMarkupRank(c.MIMEType); r > bestRank {
			best, bestRank = i, r
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: %s", resources.ErrNoMarkup, uri)
	}
	markup, _ := markupOf(contents[best])
	return contents[best].Meta.UI.ContentFrom(markup), nil
}

// ReadResource implements dispatcher.ResourceReader.
func (m *Manager) ReadResource(ctx context.Context, sessionID, extensionName, uri string) ([]apps.ResourceContents, error) {
	contents, err := m.read(ctx, extensionName, uri)
	if err != nil {
		return nil, err
	}
	out := make([]apps.ResourceContents, 0, len(contents))
	for _, c := range contents {
		out = append(out, c.ResourceContents)
	}
	return out, nil
}

// SplitToolName separates a qualified tool name into extension and tool.
func SplitToolName(qualified string) (extensionName, tool string, err error) {
	ext, name, ok := strings.Cut(qualified, dispatcher.ToolNameSeparator)
	if !ok || ext == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidToolName, qualified)
	}
	return ext, name, nil
}

// CallTool implements dispatcher.ToolInvoker. name must be qualified.
func (m *Manager) CallTool(ctx context.Context, sessionID, name string, arguments map[string]any) (*apps.ToolCallResult, error) {
	extName, tool, err := SplitToolName(name)
	if err != nil {
		return nil, err
	}
	s, err := m.session(ctx, extName)
	if err != nil {
		return nil, err
	}
	res, err := s.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("call %s on %q: %w", tool, extName, err)
	}
	out, err := reshape[apps.ToolCallResult](res)
	if err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &out, nil
}

// ListApps lists the ui:// resources of every extension. An extension that
// cannot be reached is logged and skipped.
func (m *Manager) ListApps(ctx context.Context) (apps.AppList, error) {
	list := apps.AppList{Apps: []apps.AppDescriptor{}}
	for _, name := range m.names {
		found, err := m.listExtension(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return apps.AppList{}, ctx.Err()
			}
			m.log.WarnContext(ctx, "extensions.list.fail", slog.String("extension", name), slog.String("err", err.Error()))
			continue
		}
		list.Apps = append(list.Apps, found...)
	}
	return list, nil
}

func (m *Manager) listExtension(ctx context.Context, name string) ([]apps.AppDescriptor, error) {
	s, err := m.session(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []apps.AppDescriptor
	cursor := ""
	seen := map[string]bool{}
	for {
		res, err := s.ListResources(ctx, &sdk.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, r := range res.Resources {
			if r == nil || !apps.IsAppResource(r.URI) {
				continue
			}
			out = append(out, apps.AppDescriptor{
				URI:           r.URI,
				ExtensionName: name,
				Name:          r.Name,
				Description:   r.Description,
				MCPServer:     name,
			})
		}
		if res.NextCursor == "" || seen[res.NextCursor] {
			return out, nil
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}
