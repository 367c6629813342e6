package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vpn-netns-proxy/internal/diaglog"
)

var configExtensions = map[string]bool{".ovpn": true, ".conf": true}

// Options tunes a Catalog.
type Options struct {
	// CachePath persists the discovered set between processes. Empty disables it.
	CachePath string
	Resolver  Resolver
	Logger    diaglog.Logger
}

// Catalog lists the configs in one directory, rebuilding only when a
// modification time changes.
type Catalog struct {
	dir       string
	cachePath string
	resolver  Resolver
	log       diaglog.Logger
	intn      func(n int) int

	mu    sync.Mutex
	cache *snapshot
}

// snapshot is the in-memory and on-disk cache format.
type snapshot struct {
	Dir        string           `json:"dir"`
	DirModTime int64            `json:"dirModTime"`
	Files      map[string]int64 `json:"files"`
	VPNs       []VPN            `json:"vpns"`
}

// New returns a catalog over dir.
func New(dir string, opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = diaglog.Discard
	}
	return &Catalog{
		dir:       strings.TrimSpace(dir),
		cachePath: strings.TrimSpace(opts.CachePath),
		resolver:  opts.Resolver,
		log:       logger,
		intn:      rand.IntN,
	}
}

// Dir returns the watched directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// List returns every usable config ordered by slug.
func (c *Catalog) List(ctx context.Context) ([]VPN, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirMod, files, err := c.scan()
	if err != nil {
		return nil, err
	}
	if c.cache == nil {
		c.cache = c.loadCache()
	}
	if c.cache != nil && c.cache.matches(c.dir, dirMod, files) {
		if c.retryLookups(ctx, c.cache.VPNs) > 0 {
			if err := c.saveCache(c.cache); err != nil {
				c.log.Debugf("persist catalog cache: %v", err)
			}
		}
		return append([]VPN(nil), c.cache.VPNs...), nil
	}

	vpns := c.build(ctx, files)
	c.cache = &snapshot{Dir: c.dir, DirModTime: dirMod, Files: files, VPNs: vpns}
	if err := c.saveCache(c.cache); err != nil {
		c.log.Debugf("persist catalog cache: %v", err)
	}
	return append([]VPN(nil), vpns...), nil
}

// Resolve finds a config by slug, then by display name.
func (c *Catalog) Resolve(ctx context.Context, key string) (VPN, error) {
	vpns, err := c.List(ctx)
	if err != nil {
		return VPN{}, err
	}
	key = strings.TrimSpace(key)
	for _, vpn := range vpns {
		if vpn.Slug == key {
			return vpn, nil
		}
	}
	for _, vpn := range vpns {
		if vpn.Name == key {
			return vpn, nil
		}
	}
	return VPN{}, fmt.Errorf("%w: %q", ErrNotFound, key)
}

// Random picks a config uniformly.
func (c *Catalog) Random(ctx context.Context) (VPN, error) {
	return c.RandomExcept(ctx, "")
}

// RandomExcept picks uniformly among configs other than slug, unless slug is the
// only one available.
func (c *Catalog) RandomExcept(ctx context.Context, slug string) (VPN, error) {
	vpns, err := c.List(ctx)
	if err != nil {
		return VPN{}, err
	}
	if len(vpns) == 0 {
		return VPN{}, ErrEmpty
	}
	candidates := vpns
	if slug != "" && len(vpns) > 1 {
		candidates = make([]VPN, 0, len(vpns))
		for _, vpn := range vpns {
			if vpn.Slug != slug {
				candidates = append(candidates, vpn)
			}
		}
		if len(candidates) == 0 {
			candidates = vpns
		}
	}
	return candidates[c.intn(len(candidates))], nil
}

func (c *Catalog) scan() (int64, map[string]int64, error) {
	info, err := os.Stat(c.dir)
	if err != nil {
		return 0, nil, fmt.Errorf("vpn directory: %w", err)
	}
	if !info.IsDir() {
		return 0, nil, fmt.Errorf("vpn directory %s is not a directory", c.dir)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, nil, fmt.Errorf("read vpn directory: %w", err)
	}
	files := make(map[string]int64)
	for _, entry := range entries {
		if entry.IsDir() || !configExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		files[entry.Name()] = fi.ModTime().UnixNano()
	}
	return info.ModTime().UnixNano(), files, nil
}

func (c *Catalog) build(ctx context.Context, files map[string]int64) []VPN {
	vpns := make([]VPN, 0, len(files))
	for name := range files {
		path := filepath.Join(c.dir, name)
		vpn, err := c.load(ctx, path)
		if err != nil {
			c.log.Errorf("%v", err)
			continue
		}
		vpns = append(vpns, vpn)
	}
	assignSlugs(vpns)
	c.log.Debugf("catalog rebuilt: %d configs in %s", len(vpns), c.dir)
	return vpns
}

func (c *Catalog) load(ctx context.Context, path string) (VPN, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return VPN{}, &ConfigError{Path: path, Err: err}
	}
	ep, err := parseEndpoint(string(raw))
	if err != nil {
		return VPN{}, &ConfigError{Path: path, Err: err}
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	country := InferCountry(name)
	vpn := VPN{
		Name:       name,
		Country:    country,
		Flag:       Flag(country),
		Path:       path,
		ServerHost: ep.Host,
		ServerIP:   UnresolvedAddr,
		ServerPort: ep.Port,
		Protocol:   ep.Protocol,
	}
	if ep.Missing {
		c.log.Warnf("%s has no remote directive; using %s:%d", path, UnresolvedAddr, ep.Port)
		return vpn, nil
	}
	if c.resolver == nil {
		return vpn, nil
	}
	addr, err := c.resolver.LookupIPv4(ctx, ep.Host)
	if err != nil {
		c.log.Warnf("resolve %s for %s: %v", ep.Host, path, err)
		return vpn, nil
	}
	vpn.ServerIP = addr
	return vpn, nil
}

// retryLookups resolves entries whose remote host failed to resolve earlier and
// returns how many now have an address.
func (c *Catalog) retryLookups(ctx context.Context, vpns []VPN) int {
	if c.resolver == nil {
		return 0
	}
	fixed := 0
	for i := range vpns {
		if vpns[i].HasServer() || vpns[i].ServerHost == "" {
			continue
		}
		addr, err := c.resolver.LookupIPv4(ctx, vpns[i].ServerHost)
		if err != nil {
			c.log.Debugf("resolve %s for %s: %v", vpns[i].ServerHost, vpns[i].Path, err)
			continue
		}
		vpns[i].ServerIP = addr
		fixed++
	}
	return fixed
}

func (s *snapshot) matches(dir string, dirMod int64, files map[string]int64) bool {
	return s.Dir == dir && s.DirModTime == dirMod && maps.Equal(s.Files, files)
}

func (c *Catalog) loadCache() *snapshot {
	if c.cachePath == "" {
		return nil
	}
	raw, err := os.ReadFile(c.cachePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Debugf("read catalog cache: %v", err)
		}
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.log.Warnf("discarding corrupt catalog cache %s: %v", c.cachePath, err)
		return nil
	}
	return &snap
}

func (c *Catalog) saveCache(snap *snapshot) error {
	if c.cachePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		return err
	}
	tmp := c.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cachePath)
}
