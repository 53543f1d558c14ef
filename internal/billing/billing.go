package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"framereel/internal/config"
	"framereel/internal/quota"
	"framereel/internal/services"
)

// StaticAdmitter assigns tiers from configuration. Unknown users get the
// default tier.
type StaticAdmitter struct {
	defaultTier quota.Tier
	users       map[string]quota.Tier
}

// NewStaticAdmitter builds an admitter from the quota configuration section.
func NewStaticAdmitter(cfg config.Quota) (*StaticAdmitter, error) {
	def := quota.TierFree
	if strings.TrimSpace(cfg.DefaultTier) != "" {
		tier, err := quota.ParseTier(cfg.DefaultTier)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "billing", "default tier", err.Error(), nil)
		}
		def = tier
	}
	users := make(map[string]quota.Tier, len(cfg.Users))
	for name, raw := range cfg.Users {
		tier, err := quota.ParseTier(raw)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "billing", "user tier",
				fmt.Sprintf("user %q: %v", name, err), nil)
		}
		users[strings.TrimSpace(name)] = tier
	}
	return &StaticAdmitter{defaultTier: def, users: users}, nil
}

// IsAdmitted returns the tier for username. An empty username is rejected.
func (a *StaticAdmitter) IsAdmitted(ctx context.Context, username string) (quota.Tier, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", services.Wrap(services.ErrValidation, "billing", "admit", "username required", nil)
	}
	if tier, ok := a.users[username]; ok {
		return tier, nil
	}
	return a.defaultTier, nil
}

// CheckoutLinks builds upgrade redirect URLs from a template in which
// "{tier}" is replaced by the requested tier.
type CheckoutLinks struct {
	template string
}

// NewCheckoutLinks returns an upgrade session source; an empty template
// disables upgrades.
func NewCheckoutLinks(template string) *CheckoutLinks {
	return &CheckoutLinks{template: strings.TrimSpace(template)}
}

// CreateUpgradeSession returns the redirect URL for upgrading to tier.
func (c *CheckoutLinks) CreateUpgradeSession(ctx context.Context, tier quota.Tier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.template == "" {
		return "", services.Wrap(services.ErrConfiguration, "billing", "upgrade", "quota.checkout_url is not configured", nil)
	}
	if tier == quota.TierFree {
		return "", services.Wrap(services.ErrValidation, "billing", "upgrade", "cannot upgrade to the free tier", nil)
	}
	if _, err := quota.ParseTier(string(tier)); err != nil {
		return "", services.Wrap(services.ErrValidation, "billing", "upgrade", err.Error(), nil)
	}
	link := strings.ReplaceAll(c.template, "{tier}", url.PathEscape(string(tier)))
	if _, err := url.ParseRequestURI(link); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "billing", "upgrade", "invalid checkout url", err)
	}
	return link, nil
}
