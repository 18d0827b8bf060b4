package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// ErrForbiddenAddress marks delivery targets blocked by the private-address
// guard. These attempts are logged with status 0 and never retried.
var ErrForbiddenAddress = errors.New("forbidden address")

type resolverFunc func(ctx context.Context, host string) ([]netip.Addr, error)

func defaultResolve(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// checkTarget rejects URLs whose host resolves to a loopback, private,
// link-local or unspecified address, unless private targets are allowed.
func (d *Deliverer) checkTarget(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("webhook url %q has no host", rawURL)
	}
	if d.allowPrivate {
		return nil
	}
	addrs, err := d.resolve(ctx, u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve webhook host %q: %w", u.Hostname(), err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("webhook host %q did not resolve", u.Hostname())
	}
	for _, a := range addrs {
		if isForbiddenAddr(a) {
			return fmt.Errorf("webhook host %q resolves to %s: %w", u.Hostname(), a, ErrForbiddenAddress)
		}
	}
	return nil
}

func isForbiddenAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() ||
		a.IsPrivate() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsUnspecified()
}
