package bridge

import (
	"net/url"
	"strings"

	"github.com/ggoodman/mcp-app-bridge/apps"
)

// SandboxTokens are the only capabilities granted to a surface. Top-level
// navigation, popups, modals and form submission stay disabled.
const SandboxTokens = "allow-scripts allow-same-origin"

// Policy is the isolation applied to one surface.
type Policy struct {
	// Sandbox is the token list of the sandbox directive.
	Sandbox string
	// CSP is the content security policy, without the sandbox directive.
	CSP string
}

// Header renders the policy as a single Content-Security-Policy value.
func (p Policy) Header() string {
	return p.CSP + "; sandbox " + p.Sandbox
}

// BuildPolicy derives the isolation policy for markup declaring meta. The
// baseline denies everything; declared domains widen only their own
// directive. channelOrigin is always reachable for connect-src. Entries that
// are not a plain origin are returned in rejected and left out.
func BuildPolicy(meta *apps.SecurityMetadata, channelOrigin string) (p Policy, rejected []string) {
	var connect, resource, frame, baseURI []string
	if meta != nil {
		connect, rejected = filterSources(meta.ConnectDomains, rejected)
		resource, rejected = filterSources(meta.ResourceDomains, rejected)
		frame, rejected = filterSources(meta.FrameDomains, rejected)
		baseURI, rejected = filterSources(meta.BaseURIDomains, rejected)
	}

	channel := channelSources(channelOrigin)

	directives := []string{
		"default-src 'none'",
		directive("script-src", []string{"'self'", "'unsafe-inline'"}, resource),
		directive("style-src", []string{"'self'", "'unsafe-inline'"}, resource),
		directive("img-src", []string{"'self'", "data:", "blob:"}, resource),
		directive("font-src", []string{"'self'", "data:"}, resource),
		directive("media-src", []string{"'self'", "data:", "blob:"}, resource),
		directive("connect-src", append([]string{"'self'"}, channel...), connect),
		directive("frame-src", []string{"'none'"}, frame),
		directive("base-uri", []string{"'self'"}, baseURI),
		"form-action 'none'",
		"object-src 'none'",
	}

	return Policy{Sandbox: SandboxTokens, CSP: strings.Join(directives, "; ")}, rejected
}

// directive joins base and extra sources. A lone 'none' in base is dropped
// once extra sources are present.
func directive(name string, base, extra []string) string {
	if len(extra) > 0 && len(base) == 1 && base[0] == "'none'" {
		base = nil
	}
	parts := append([]string{name}, base...)
	return strings.Join(append(parts, extra...), " ")
}

func channelSources(origin string) []string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil
	}
	out := []string{u.Scheme + "://" + u.Host}
	switch u.Scheme {
	case "https":
		out = append(out, "wss://"+u.Host)
	case "http":
		out = append(out, "ws://"+u.Host)
	}
	return out
}

func filterSources(in, rejected []string) ([]string, []string) {
	var valid []string
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		src, ok := normalizeSource(s)
		if !ok {
			rejected = append(rejected, s)
			continue
		}
		if _, dup := seen[src]; dup {
			continue
		}
		seen[src] = struct{}{}
		valid = append(valid, src)
	}
	return valid, rejected
}

// normalizeSource accepts scheme://host[:port] with an optional leading
// "*." wildcard label and returns it without path, query or fragment.
func normalizeSource(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "'\";, \t\r\n") {
		return "", false
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "https", "http", "wss", "ws":
	default:
		return "", false
	}
	if u.User != nil || u.Host == "" || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	host := u.Hostname()
	if rest, ok := strings.CutPrefix(host, "*."); ok {
		host = rest
	}
	if host == "" || strings.Contains(host, "*") {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}
