package adapter

import (
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/resilience"
)

// Resolver is the subset of *net.Resolver used by the DNS-backed adapters.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// NewResolver returns the system resolver, or one that sends every query to
// addr ("8.8.8.8:53") when addr is set.
func NewResolver(addr string) *net.Resolver {
	if addr == "" {
		return net.DefaultResolver
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}
}

// DNSAdapter reads the mail-related records of a lead's domain.
type DNSAdapter struct {
	resolver Resolver
}

// NewDNSAdapter creates a DNS adapter from config.
func NewDNSAdapter(cfg config.DNSConfig) *DNSAdapter {
	return &DNSAdapter{resolver: NewResolver(cfg.Resolver)}
}

// NewDNSAdapterWithResolver creates a DNS adapter using r.
func NewDNSAdapterWithResolver(r Resolver) *DNSAdapter {
	return &DNSAdapter{resolver: r}
}

func (a *DNSAdapter) Name() string { return "dns" }

// Lookup returns mx_records (hosts by preference), spf, dmarc and dkim.
// A domain with no records is a successful, empty lookup.
func (a *DNSAdapter) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	domain := domainOf(identifier)

	mx, err := a.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return nil, wrapDNSError(err, "dns: lookup mx "+domain)
	}
	txt, err := a.resolver.LookupTXT(ctx, domain)
	if err != nil && !isNotFound(err) {
		return nil, wrapDNSError(err, "dns: lookup txt "+domain)
	}
	dmarcTXT, err := a.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil && !isNotFound(err) {
		return nil, wrapDNSError(err, "dns: lookup dmarc "+domain)
	}

	fields := model.Fields{
		"domain":     domain,
		"mx_records": mxHosts(mx),
	}
	if spf := firstWithPrefix(txt, "v=spf1"); spf != "" {
		fields["spf"] = spf
	}
	if dmarc := firstWithPrefix(dmarcTXT, "v=DMARC1"); dmarc != "" {
		fields["dmarc"] = dmarc
	}
	if dkim := firstContaining(txt, "v=DKIM1"); dkim != "" {
		fields["dkim"] = dkim
	}
	return fields, nil
}

func mxHosts(mx []*net.MX) []string {
	sorted := slices.Clone(mx)
	slices.SortStableFunc(sorted, func(a, b *net.MX) int {
		if a.Pref != b.Pref {
			return int(a.Pref) - int(b.Pref)
		}
		return strings.Compare(a.Host, b.Host)
	})
	hosts := make([]string, 0, len(sorted))
	for _, m := range sorted {
		if h := strings.TrimSuffix(m.Host, "."); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func firstWithPrefix(records []string, prefix string) string {
	for _, r := range records {
		if strings.HasPrefix(strings.TrimSpace(r), prefix) {
			return r
		}
	}
	return ""
}

func firstContaining(records []string, sub string) string {
	for _, r := range records {
		if strings.Contains(r, sub) {
			return r
		}
	}
	return ""
}

// isNotFound reports an authoritative "no such name / no records" answer.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// wrapDNSError marks resolver timeouts and temporary failures transient so
// the controller retries them.
func wrapDNSError(err error, msg string) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTimeout || dnsErr.IsTemporary) {
		return resilience.NewTransientError(eris.Wrap(err, msg), 0)
	}
	return eris.Wrap(err, msg)
}
