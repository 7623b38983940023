// Package webhook implements event fan-out to subscriber endpoints: URL
// guarding, HMAC signing, a bounded delivery queue with retry, and a badger
// journal that carries undelivered events across restarts.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"syscall"
)

// Guard validates webhook target URLs. Subscriptions point at arbitrary
// user-supplied endpoints, so without a guard the dispatcher becomes a proxy
// into the deployment's own network. The same checks run at registration and
// again on the address actually dialed, which closes the DNS rebinding window
// between the two.
type Guard struct {
	allowPrivate bool
	lookup       func(ctx context.Context, host string) ([]net.IP, error)
}

// NewGuard creates a Guard. allowPrivate disables the address checks for
// development deployments that deliver to localhost receivers.
func NewGuard(allowPrivate bool) *Guard {
	return &Guard{
		allowPrivate: allowPrivate,
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// Check validates a target URL: scheme, shape, and every address the host
// resolves to. It is called at registration time and before each delivery.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("webhook URL must not carry userinfo")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("webhook URL has no host")
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("webhook URL port %q out of range", port)
		}
	}

	if g.allowPrivate {
		return nil
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if forbiddenIP(ip) {
			return fmt.Errorf("webhook URL resolves to forbidden address %s", ip)
		}
		return nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook host %q: %w", host, err)
	}
	for _, ip := range ips {
		if forbiddenIP(ip) {
			return fmt.Errorf("webhook host %q resolves to forbidden address %s", host, ip)
		}
	}
	return nil
}

// Control is a net.Dialer Control hook that re-checks the literal address
// being dialed. The registration-time check resolves the name once; a
// hostile DNS server can answer differently when the delivery connects, so
// the last word belongs to the dialer.
func (g *Guard) Control(network, address string, _ syscall.RawConn) error {
	if g.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("failed to parse dial address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial address %q is not an IP", host)
	}
	if forbiddenIP(ip) {
		return fmt.Errorf("refusing to dial forbidden address %s", ip)
	}
	return nil
}

// forbiddenIP reports whether deliveries to ip must be refused: loopback,
// RFC1918 and ULA ranges, link-local, and the unspecified address.
func forbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
