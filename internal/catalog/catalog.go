package catalog

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerDescriptor describes one downstream MCP server from the catalog.
// Descriptors are immutable after load.
type ServerDescriptor struct {
	// Name uniquely identifies the server within the catalog.
	Name string

	// Description is the human-readable summary shown by search_servers.
	Description string

	// URL is the absolute base URL of the downstream MCP endpoint.
	URL string

	// Audience is the IdP client id used as the RFC 8693 audience when
	// exchanging tokens for this server.
	Audience string

	// RequiredRole is the realm role a subject must hold to activate and
	// use the server.
	RequiredRole string
}

type serverEntry struct {
	Description  string `yaml:"description"`
	URL          string `yaml:"url"`
	Audience     string `yaml:"audience"`
	RequiredRole string `yaml:"required_role"`
}

// Registry is the read-only catalog of downstream servers. It is populated
// once at startup and never mutated, so lookups need no synchronization.
type Registry struct {
	byName map[string]ServerDescriptor
	order  []string
}

// Load reads and validates the catalog document at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Registry from raw catalog YAML. The document is decoded
// through yaml.Node rather than a map so that List preserves the catalog's
// document order.
func Parse(data []byte) (*Registry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse server catalog: %w", err)
	}

	servers := serversNode(&doc)
	if servers == nil || len(servers.Content) == 0 {
		return nil, fmt.Errorf("server catalog contains no servers")
	}

	r := &Registry{byName: make(map[string]ServerDescriptor, len(servers.Content)/2)}
	for i := 0; i+1 < len(servers.Content); i += 2 {
		name := servers.Content[i].Value

		var entry serverEntry
		if err := servers.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to parse server catalog entry %q: %w", name, err)
		}

		desc := ServerDescriptor{
			Name:         name,
			Description:  entry.Description,
			URL:          strings.TrimRight(entry.URL, "/"),
			Audience:     entry.Audience,
			RequiredRole: entry.RequiredRole,
		}
		if err := validate(desc); err != nil {
			return nil, err
		}
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("duplicate server catalog entry %q", name)
		}
		r.byName[name] = desc
		r.order = append(r.order, name)
	}

	return r, nil
}

// serversNode locates the top-level servers mapping in the document.
func serversNode(doc *yaml.Node) *yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "servers" && root.Content[i+1].Kind == yaml.MappingNode {
			return root.Content[i+1]
		}
	}
	return nil
}

func validate(d ServerDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("server catalog entry with empty name")
	}
	if d.URL == "" {
		return fmt.Errorf("server %q: url is required", d.Name)
	}
	u, err := url.Parse(d.URL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("server %q: url must be absolute, got %q", d.Name, d.URL)
	}
	if d.Audience == "" {
		return fmt.Errorf("server %q: audience is required", d.Name)
	}
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (ServerDescriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// List returns all descriptors in catalog document order.
func (r *Registry) List() []ServerDescriptor {
	out := make([]ServerDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of catalog entries.
func (r *Registry) Len() int {
	return len(r.byName)
}
