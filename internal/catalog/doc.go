// Package catalog loads the static catalog of downstream MCP servers and
// exposes it as a read-only registry. The catalog is read once at startup;
// changes require a restart.
package catalog
