// Package config loads the gateway process configuration from the
// environment. The server catalog itself lives in package catalog; config
// only carries its path.
package config
