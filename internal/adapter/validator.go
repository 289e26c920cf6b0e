package adapter

import (
	"context"
	"regexp"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// providers maps well-known mailbox domains to a provider label.
var providers = map[string]string{
	"gmail.com":     "Gmail",
	"yahoo.com":     "Yahoo",
	"yahoo.co.uk":   "Yahoo",
	"yahoo.ca":      "Yahoo",
	"hotmail.com":   "Hotmail/Outlook",
	"hotmail.co.uk": "Hotmail/Outlook",
	"outlook.com":   "Hotmail/Outlook",
	"live.com":      "Hotmail/Outlook",
	"gmx.com":       "GMX",
	"gmx.de":        "GMX",
	"gmx.ch":        "GMX",
	"yandex.ru":     "Yandex",
	"yandex.com":    "Yandex",
	"example.com":   "Test/Example",
	"test.com":      "Test/Example",
}

const customDomain = "Custom Domain"

// ProviderFor classifies a mailbox domain.
func ProviderFor(domain string) string {
	if p, ok := providers[domain]; ok {
		return p
	}
	return customDomain
}

// ValidatorAdapter checks email syntax and that the domain accepts mail.
type ValidatorAdapter struct {
	resolver Resolver
	checkMX  bool
}

// NewValidatorAdapter creates a validator from config, sharing the DNS
// resolver settings.
func NewValidatorAdapter(cfg config.ValidatorConfig, dns config.DNSConfig) *ValidatorAdapter {
	return &ValidatorAdapter{resolver: NewResolver(dns.Resolver), checkMX: cfg.CheckMX}
}

// NewValidatorAdapterWithResolver creates a validator using r for MX checks.
func NewValidatorAdapterWithResolver(r Resolver, checkMX bool) *ValidatorAdapter {
	return &ValidatorAdapter{resolver: r, checkMX: checkMX}
}

func (a *ValidatorAdapter) Name() string { return "validator" }

// Lookup reports email_valid, provider and free_provider. An invalid
// address is a successful lookup with email_valid=false; only resolver
// failures are errors. Domain leads get provider fields only.
func (a *ValidatorAdapter) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	domain := domainOf(identifier)
	provider := ProviderFor(domain)
	fields := model.Fields{
		"domain":        domain,
		"provider":      provider,
		"free_provider": provider != customDomain && provider != "Test/Example",
	}
	if domain == identifier {
		return fields, nil
	}

	syntaxOK := emailPattern.MatchString(identifier)
	fields["syntax_valid"] = syntaxOK
	if !syntaxOK {
		fields["email_valid"] = false
		return fields, nil
	}
	if !a.checkMX {
		fields["email_valid"] = true
		return fields, nil
	}

	mx, err := a.resolver.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return nil, wrapDNSError(err, "validator: lookup mx "+domain)
	}
	// NXDOMAIN leaves mx empty: the address cannot receive mail.
	hasMX := len(mxHosts(mx)) > 0
	fields["mx_found"] = hasMX
	fields["email_valid"] = hasMX
	return fields, nil
}
