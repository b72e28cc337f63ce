package apps

import (
	"encoding/json"
	"strings"
)

// ResourceMIMEType is the media type extension servers use for app markup.
const ResourceMIMEType = "text/html;profile=mcp-app"

// ResourceScheme is the URI scheme of app resources.
const ResourceScheme = "ui://"

// LoggingLevel represents structured log severity.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

// IsValidLoggingLevel reports whether the provided level is one of the
// protocol-defined syslog severities.
func IsValidLoggingLevel(level LoggingLevel) bool {
	switch level {
	case LoggingLevelDebug,
		LoggingLevelInfo,
		LoggingLevelNotice,
		LoggingLevelWarning,
		LoggingLevelError,
		LoggingLevelCritical,
		LoggingLevelAlert,
		LoggingLevelEmergency:
		return true
	default:
		return false
	}
}

// SecurityMetadata carries the declarative constraints an extension attaches
// to its markup (the _meta.ui.csp object). It is opaque to the dispatcher and
// only consumed when configuring the isolated surface.
type SecurityMetadata struct {
	ConnectDomains  []string `json:"connectDomains,omitempty"`
	ResourceDomains []string `json:"resourceDomains,omitempty"`
	FrameDomains    []string `json:"frameDomains,omitempty"`
	BaseURIDomains  []string `json:"baseUriDomains,omitempty"`
}

// ResourceContent is the rendering content of an app. Values are treated as
// immutable; a refresh replaces the whole value.
type ResourceContent struct {
	Markup        *string           `json:"markup"`
	Policy        *SecurityMetadata `json:"securityPolicy"`
	PrefersBorder bool              `json:"prefersBorder"`
}

// NewResourceContent is a convenience constructor for non-nil markup.
func NewResourceContent(markup string, policy *SecurityMetadata, prefersBorder bool) *ResourceContent {
	return &ResourceContent{Markup: &markup, Policy: policy, PrefersBorder: prefersBorder}
}

// HasMarkup reports whether the content carries renderable markup.
func (c *ResourceContent) HasMarkup() bool {
	return c != nil && c.Markup != nil
}

// MarkupString returns the markup or the empty string.
func (c *ResourceContent) MarkupString() string {
	if !c.HasMarkup() {
		return ""
	}
	return *c.Markup
}

// SameMarkup reports whether both values carry identical markup.
func (c *ResourceContent) SameMarkup(other *ResourceContent) bool {
	if !c.HasMarkup() || !other.HasMarkup() {
		return false
	}
	return *c.Markup == *other.Markup
}

// ResourceContents is one entry of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ContentBlock is a typed content part of a message or tool result.
type ContentBlock struct {
	Type string `json:"type"`
	// For TextContent
	Text string `json:"text,omitempty"`
	// For ImageContent and AudioContent
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	// For EmbeddedResource
	Resource *ResourceContents `json:"resource,omitempty"`
	// For ResourceLink
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

// ContentTypeText is the type of text content blocks.
const ContentTypeText = "text"

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// FirstText returns the text of the first text block.
func FirstText(blocks []ContentBlock) (string, bool) {
	for _, b := range blocks {
		if b.Type == ContentTypeText {
			return b.Text, true
		}
	}
	return "", false
}

// ToolCallResult is the result shape of tools/call. StructuredContent is
// omitted from the wire when the tool produced none.
type ToolCallResult struct {
	Content           []ContentBlock `json:"content"`
	IsError           bool           `json:"isError"`
	StructuredContent any            `json:"structuredContent,omitempty"`
}

// ToolErrorResult builds an error result carrying a single text block.
func ToolErrorResult(msg string) *ToolCallResult {
	return &ToolCallResult{Content: []ContentBlock{TextBlock(msg)}, IsError: true}
}

// AppDescriptor describes a launchable app.
type AppDescriptor struct {
	URI           string `json:"uri"`
	ExtensionName string `json:"extensionName"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	MCPServer     string `json:"mcpServer"`
}

// Key returns the identity of the app.
func (d AppDescriptor) Key() string {
	return d.MCPServer + "\x00" + d.URI
}

// AppList is the result of listing apps.
type AppList struct {
	Apps []AppDescriptor `json:"apps"`
}

// IsAppResource reports whether uri addresses app markup.
func IsAppResource(uri string) bool {
	return strings.HasPrefix(uri, ResourceScheme)
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// DisplayMode is how the host presents a surface.
type DisplayMode string

const (
	DisplayModeInline     DisplayMode = "inline"
	DisplayModeFullscreen DisplayMode = "fullscreen"
)

// HostContext is process-wide host configuration exposed to surfaces.
type HostContext struct {
	Theme       string          `json:"theme,omitempty"`
	Locale      string          `json:"locale,omitempty"`
	DisplayMode DisplayMode     `json:"displayMode,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	ToolInfo    json.RawMessage `json:"toolInfo,omitempty"`
}

// UIMeta is the _meta.ui object extension servers attach to app resources.
type UIMeta struct {
	CSP           *SecurityMetadata `json:"csp,omitempty"`
	PrefersBorder *bool             `json:"prefersBorder,omitempty"`
}

// ContentFrom builds rendering content from markup and its _meta.ui object.
func (m *UIMeta) ContentFrom(markup string) *ResourceContent {
	if m == nil {
		return NewResourceContent(markup, nil, false)
	}
	border := m.PrefersBorder != nil && *m.PrefersBorder
	return NewResourceContent(markup, m.CSP, border)
}
