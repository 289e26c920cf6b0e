package adapter

import (
	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/pkg/anthropic"
)

// Build registers every adapter the configuration can construct. The
// industry adapter is only available when an Anthropic client is given.
// Which adapters run is decided later by adapters.enabled.
func Build(cfg *config.Config, ai anthropic.Client) (*Registry, error) {
	adapters := []Adapter{
		NewDNSAdapter(cfg.Adapters.DNS),
		NewWhoisAdapter(cfg.Adapters.Whois),
		NewValidatorAdapter(cfg.Adapters.Validator, cfg.Adapters.DNS),
		NewSocialAdapter(cfg.Adapters.Social),
	}
	if ai != nil {
		adapters = append(adapters, NewIndustryAdapter(ai, cfg.Anthropic))
	}
	return NewRegistry(adapters...)
}
