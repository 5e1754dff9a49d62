// Package discovery finds a GigLink backend on the local network over mDNS
// and advertises the development backend the same way.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_giglink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultAPIPath is the REST prefix advertised when none is set.
	DefaultAPIPath = "/api"
	// DefaultWSPath is the gateway path advertised when none is set.
	DefaultWSPath = "/ws"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// Advertising only.
	InstanceName string
	Port         int
	Scheme       string
	APIPath      string
	WSPath       string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Scheme == "" {
		out.Scheme = "http"
	}
	if out.APIPath == "" {
		out.APIPath = DefaultAPIPath
	}
	if out.WSPath == "" {
		out.WSPath = DefaultWSPath
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	return nil
}

// Advertiser publishes a backend via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the backend described by config.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"scheme=" + cfg.Scheme,
		"api_path=" + cfg.APIPath,
		"ws_path=" + cfg.WSPath,
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// ErrNoBackend is returned when a scan window ends without a usable backend.
var ErrNoBackend = errors.New("no backend found on the local network")

// Discover runs one scan and returns the preferred backend.
func Discover(ctx context.Context, config Config) (Backend, error) {
	scanner, err := NewScanner(config)
	if err != nil {
		return Backend{}, err
	}
	defer scanner.Stop()

	found, err := scanner.ScanOnce(ctx)
	if err != nil {
		return Backend{}, err
	}
	if len(found) == 0 {
		return Backend{}, ErrNoBackend
	}
	return found[0], nil
}
