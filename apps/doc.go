// Package apps contains the protocol data types shared by the app bridge:
// rendering content fetched from extension servers, security metadata, tool
// lifecycle events pushed into a surface, and the descriptors used to list
// launchable apps.
//
// The package is intentionally free of transport logic. The bridge, the
// dispatcher and the renderer import these types but implement their own
// framing, isolation and error handling.
//
// # Method Names
//
// Wire method names are enumerated as Method constants (e.g.
// OpenLinkMethod). Names are namespaced by concern (ui/ for host-mediated
// presentation features, tools/ and resources/ for extension access,
// notifications/ for diagnostics) so the set of exposed capabilities stays
// auditable.
//
// # Identity
//
// An app is identified by the pair (URI, MCPServer); see AppDescriptor.Key.
// A resource is addressed by (extension name, resource URI).
package apps
