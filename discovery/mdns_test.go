package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		InstanceName: "giglink-dev",
		Port:         5000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}
	advertiser.Stop()

	if gotInstance != "giglink-dev" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 5000 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "scheme=http")
	assertContainsTXT(t, gotTXT, "api_path=/api")
	assertContainsTXT(t, gotTXT, "ws_path=/ws")
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}

	if _, err := Advertise(Config{Port: 5000, registerFn: register}); err == nil {
		t.Fatalf("expected missing instance name to fail")
	}
	if _, err := Advertise(Config{InstanceName: "x", registerFn: register}); err == nil {
		t.Fatalf("expected missing port to fail")
	}
	if _, err := Advertise(Config{InstanceName: "x", Port: 1, Scheme: "ftp", registerFn: register}); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
}

func TestDiscoverReturnsPreferredBackend(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			go func() {
				entries <- testEntry("zeta", 5000, []string{"version=1"}, net.ParseIP("192.168.1.20"))
				entries <- testEntry("alpha", 5001, []string{"version=1", "scheme=https"}, net.ParseIP("192.168.1.10"))
				entries <- testEntry("future", 5002, []string{"version=2"}, net.ParseIP("192.168.1.30"))
			}()
			return nil
		},
	}

	backend, err := Discover(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if backend.Instance != "alpha" {
		t.Fatalf("expected alpha, got %q", backend.Instance)
	}
	if got := backend.APIURL(); got != "https://192.168.1.10:5001/api" {
		t.Fatalf("unexpected API URL %q", got)
	}
	if got := backend.WSURL(); got != "wss://192.168.1.10:5001/ws" {
		t.Fatalf("unexpected WS URL %q", got)
	}
}

func TestDiscoverNoBackend(t *testing.T) {
	cfg := Config{
		ScanTimeout: 20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}

	if _, err := Discover(context.Background(), cfg); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestDiscoverPropagatesBrowseError(t *testing.T) {
	browseErr := errors.New("no multicast interface")
	cfg := Config{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	if _, err := Discover(context.Background(), cfg); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func testEntry(instance string, port int, txt []string, ips ...net.IP) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.Text = txt
	for _, ip := range ips {
		if ip.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, ip)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, ip)
		}
	}
	return entry
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
