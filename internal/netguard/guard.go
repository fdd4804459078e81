// Package netguard keeps outbound fetches of user supplied URLs away from internal networks.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const (
	maxRedirects = 5
	dialTimeout  = 10 * time.Second
)

// ErrBlocked is returned when a URL or a connection targets a non public destination.
var ErrBlocked = errors.New("destination not allowed")

var blockedRanges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"fc00::/7",
	"fe80::/10",
)

// Guard validates destinations. The same checks run up front, on every redirect
// and on every dialed address, so a hostname that later resolves to an internal
// address is still refused.
type Guard struct {
	allowPrivate bool
	lookup       func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// New returns a guard. allowPrivate turns every check off and is meant for local setups.
func New(allowPrivate bool) *Guard {
	return &Guard{
		allowPrivate: allowPrivate,
		lookup:       net.DefaultResolver.LookupIPAddr,
	}
}

// CheckURL parses rawURL and verifies that it is http(s) and that its host
// only resolves to public addresses.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: invalid URL scheme %q", ErrBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBlocked)
	}
	if g.allowPrivate {
		return u, nil
	}

	name := strings.TrimSuffix(strings.ToLower(host), ".")
	if blockedName(name) {
		return nil, fmt.Errorf("%w: blocked hostname %s", ErrBlocked, host)
	}
	if ip := net.ParseIP(name); ip != nil {
		if err := g.CheckIP(ip); err != nil {
			return nil, err
		}
		return u, nil
	}

	addrs, err := g.lookup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve %s: %v", ErrBlocked, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no addresses", ErrBlocked, host)
	}
	for _, addr := range addrs {
		if err := g.CheckIP(addr.IP); err != nil {
			return nil, fmt.Errorf("%s: %w", host, err)
		}
	}
	return u, nil
}

func (g *Guard) CheckIP(ip net.IP) error {
	if g.allowPrivate {
		return nil
	}
	if isPrivateIP(ip) {
		return fmt.Errorf("%w: private address %s", ErrBlocked, ip)
	}
	return nil
}

// Client returns an http.Client whose connections and redirects pass through the guard.
func (g *Guard) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
		Control:   g.control,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// a proxy would hide the real destination from the dial check
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext

	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: g.checkRedirect,
	}
}

// control runs after name resolution with the literal address about to be dialed.
func (g *Guard) control(network, address string, _ syscall.RawConn) error {
	if g.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unexpected dial address %s", ErrBlocked, address)
	}
	if err := g.CheckIP(ip); err != nil {
		slog.Warn(
			"blocked outbound connection",
			slog.String("address", address),
			slog.String("module", "netguard"),
		)
		return err
	}
	return nil
}

func (g *Guard) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (%d)", len(via))
	}
	if _, err := g.CheckURL(req.Context(), req.URL.String()); err != nil {
		return fmt.Errorf("redirect blocked: %w", err)
	}
	return nil
}

func blockedName(name string) bool {
	if name == "localhost" || strings.HasSuffix(name, ".localhost") {
		return true
	}
	return strings.HasSuffix(name, ".internal") || strings.HasSuffix(name, ".local")
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() {
		return true
	}
	for _, n := range blockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
