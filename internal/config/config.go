// Package config loads the server's text configuration file: key=value
// lines with "#" comments. The format is fixed and small, so a line
// scanner is the right tool here, not a general-purpose serialization
// library.
package config

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tagdex/tagdexd/internal/guid"
)

// Config holds the parsed server configuration.
type Config struct {
	TagTypes   []string
	Ratings    []string
	BaseDir    string
	ServerGUID guid.GUID
	Port       int
	MMBase     uint64

	path string
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{path: path}
	var rawGUID string

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: missing '=' in %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "tagtypes":
			cfg.TagTypes = strings.Fields(value)
		case "ratings":
			cfg.Ratings = strings.Fields(value)
		case "basedir":
			if !strings.HasPrefix(value, "/") {
				return nil, fmt.Errorf("config: %s:%d: basedir must be absolute: %q", path, lineNo, value)
			}
			cfg.BaseDir = value
		case "guid":
			rawGUID = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("config: %s:%d: bad port %q: %w", path, lineNo, value, err)
			}
			cfg.Port = port
		case "mm_base":
			base, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("config: %s:%d: bad mm_base %q: %w", path, lineNo, value, err)
			}
			cfg.MMBase = base
		default:
			return nil, fmt.Errorf("config: %s:%d: unknown key %q", path, lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("config: %s: basedir is required", path)
	}
	if rawGUID != "" {
		g, err := guid.Parse(rawGUID, guid.TypeServer)
		if err != nil {
			return nil, fmt.Errorf("config: %s: bad guid %q: %w", path, rawGUID, err)
		}
		cfg.ServerGUID = g
	}
	if cfg.Port == 0 {
		cfg.Port = 13500
	}

	return cfg, nil
}

// Path returns the file path this config was loaded from.
func (c *Config) Path() string { return c.path }

// MD5 hashes the effective configuration deterministically so the arena
// header can detect a config change across restarts.
func (c *Config) MD5() [16]byte {
	var b strings.Builder
	fmt.Fprintf(&b, "basedir=%s\n", c.BaseDir)
	fmt.Fprintf(&b, "guid=%s\n", c.ServerGUID.String())
	fmt.Fprintf(&b, "port=%d\n", c.Port)
	fmt.Fprintf(&b, "mm_base=%x\n", c.MMBase)
	fmt.Fprintf(&b, "tagtypes=%s\n", strings.Join(c.TagTypes, " "))
	fmt.Fprintf(&b, "ratings=%s\n", strings.Join(c.Ratings, " "))
	return md5.Sum([]byte(b.String()))
}
