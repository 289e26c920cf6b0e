package adapter

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
)

// maxWhoisResponse caps how much of a WHOIS answer is read.
const maxWhoisResponse = 1 << 20

// Dialer opens TCP connections; *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// WhoisAdapter queries WHOIS (RFC 3912) over TCP port 43. The first server
// is usually whois.iana.org, which answers with a "refer:" line naming the
// registry server; that referral is followed once.
type WhoisAdapter struct {
	server string
	dialer Dialer
}

// NewWhoisAdapter creates a WHOIS adapter from config.
func NewWhoisAdapter(cfg config.WhoisConfig) *WhoisAdapter {
	return NewWhoisAdapterWithDialer(cfg.Server, &net.Dialer{Timeout: 10 * time.Second})
}

// NewWhoisAdapterWithDialer creates a WHOIS adapter querying server via d.
func NewWhoisAdapterWithDialer(server string, d Dialer) *WhoisAdapter {
	if server == "" {
		server = "whois.iana.org:43"
	}
	return &WhoisAdapter{server: withWhoisPort(server), dialer: d}
}

func (a *WhoisAdapter) Name() string { return "whois" }

// Lookup returns registrar, creation_date, expiration_date and organization
// when the registry publishes them.
func (a *WhoisAdapter) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	domain := domainOf(identifier)

	resp, err := a.query(ctx, a.server, domain)
	if err != nil {
		return nil, err
	}
	if refer := referral(resp); refer != "" && withWhoisPort(refer) != a.server {
		referred, err := a.query(ctx, withWhoisPort(refer), domain)
		if err != nil {
			return nil, err
		}
		resp = referred
	}

	fields := parseWhois(resp)
	if len(fields) == 0 {
		return nil, eris.Errorf("whois: no record for %s", domain)
	}
	fields["domain"] = domain
	return fields, nil
}

func (a *WhoisAdapter) query(ctx context.Context, server, domain string) (string, error) {
	conn, err := a.dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return "", eris.Wrapf(err, "whois: dial %s", server)
	}
	defer conn.Close() //nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := io.WriteString(conn, domain+"\r\n"); err != nil {
		return "", eris.Wrapf(err, "whois: write query to %s", server)
	}
	body, err := io.ReadAll(io.LimitReader(conn, maxWhoisResponse))
	if err != nil {
		return "", eris.Wrapf(err, "whois: read from %s", server)
	}
	return string(body), nil
}

// whoisKeys maps field names to the labels registries use for them, most
// common first.
var whoisKeys = map[string][]string{
	"registrar":       {"registrar", "sponsoring registrar", "registrar name"},
	"creation_date":   {"creation date", "created", "registered on", "registration time", "domain registration date"},
	"expiration_date": {"registry expiry date", "registrar registration expiration date", "expiration date", "expires", "expiry date", "paid-till"},
	"organization":    {"registrant organization", "registrant organisation", "org", "organisation", "organization", "registrant"},
}

func parseWhois(resp string) model.Fields {
	values := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(resp))
	sc.Buffer(make([]byte, 64*1024), maxWhoisResponse)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ">>>") {
			continue
		}
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		value = strings.TrimSpace(value)
		if value == "" || isRedacted(value) {
			continue
		}
		if _, seen := values[label]; !seen {
			values[label] = value
		}
	}

	fields := model.Fields{}
	for field, labels := range whoisKeys {
		for _, l := range labels {
			if v, ok := values[l]; ok {
				fields[field] = v
				break
			}
		}
	}
	return fields
}

func referral(resp string) string {
	for _, line := range strings.Split(resp, "\n") {
		label, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(label)) {
		case "refer", "whois", "registrar whois server":
			if v := strings.TrimSpace(value); v != "" {
				return v
			}
		}
	}
	return ""
}

func isRedacted(v string) bool {
	lv := strings.ToLower(v)
	return strings.Contains(lv, "redacted") || strings.Contains(lv, "data protected") || strings.Contains(lv, "not disclosed")
}

func withWhoisPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "43")
}
