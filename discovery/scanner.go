package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventBackendUpserted is emitted when a backend appears or its record changes.
	EventBackendUpserted EventType = "backend_upserted"
	// EventBackendRemoved is emitted when a previously seen backend disappears.
	EventBackendRemoved EventType = "backend_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type    EventType
	Backend Backend
}

// Backend is a GigLink backend found on the LAN.
type Backend struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Version   int
	Scheme    string
	APIPath   string
	WSPath    string
	LastSeen  time.Time
}

// host prefers an IPv4 address, then any address, then the host name.
func (b Backend) host() string {
	for _, addr := range b.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	if len(b.Addresses) > 0 {
		return b.Addresses[0]
	}
	return strings.TrimSuffix(b.HostName, ".")
}

// APIURL is the REST base URL of the backend.
func (b Backend) APIURL() string {
	return b.Scheme + "://" + net.JoinHostPort(b.host(), strconv.Itoa(b.Port)) + b.APIPath
}

// WSURL is the real-time gateway URL of the backend.
func (b Backend) WSURL() string {
	scheme := "ws"
	if b.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(b.host(), strconv.Itoa(b.Port)) + b.WSPath
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers backends with periodic and manual mDNS browse operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	backends map[string]Backend

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		backends:        make(map[string]Backend),
		events:          make(chan Event, 32),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// ScanOnce runs a single scan window outside the background loop and returns
// the backends it saw, preferred first.
func (s *Scanner) ScanOnce(ctx context.Context) ([]Backend, error) {
	if err := s.runScan(ctx); err != nil {
		return nil, err
	}
	return s.Backends(), nil
}

// Refresh triggers an immediate scan on the background loop.
func (s *Scanner) Refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Backends returns the current snapshot, highest version first, then by name.
func (s *Scanner) Backends() []Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Backend, 0, len(s.backends))
	for _, backend := range s.backends {
		out = append(out, backend)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Backend)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := (<-chan *zeroconf.ServiceEntry)(entries)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				backend, ok := parseEntry(entry, s.cfg.Version)
				if !ok {
					continue
				}
				backend.LastSeen = time.Now()
				collectedMu.Lock()
				collected[backend.Instance] = backend
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	if requestCtx != nil && requestCtx.Err() != nil {
		return requestCtx.Err()
	}
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.backends
	s.backends = next

	for name, backend := range next {
		old, exists := previous[name]
		if !exists || !backendsEqual(old, backend) {
			s.emitEvent(Event{Type: EventBackendUpserted, Backend: backend})
		}
	}
	for name, backend := range previous {
		if _, exists := next[name]; !exists {
			s.emitEvent(Event{Type: EventBackendRemoved, Backend: backend})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// parseEntry accepts entries whose TXT version matches; a missing version is
// treated as 1.
func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Backend, bool) {
	txt := txtToMap(entry.Text)

	version := 1
	if raw := txt["version"]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Backend{}, false
		}
		version = parsed
	}
	if version != wantVersion || entry.Port <= 0 {
		return Backend{}, false
	}

	scheme := txt["scheme"]
	if scheme != "https" {
		scheme = "http"
	}
	apiPath := txt["api_path"]
	if apiPath == "" {
		apiPath = DefaultAPIPath
	}
	wsPath := txt["ws_path"]
	if wsPath == "" {
		wsPath = DefaultWSPath
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Backend{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return Backend{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Version:   version,
		Scheme:    scheme,
		APIPath:   apiPath,
		WSPath:    wsPath,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func backendsEqual(a, b Backend) bool {
	if a.Instance != b.Instance ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Version != b.Version ||
		a.Scheme != b.Scheme ||
		a.APIPath != b.APIPath ||
		a.WSPath != b.WSPath ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
