package authkit

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// FlowVariant selects the client integration an authorization attempt belongs to.
type FlowVariant string

const (
	// VariantTelegram completes authorization by notifying the user in the bot.
	VariantTelegram FlowVariant = "telegram"
	// VariantRaycast completes authorization by returning credentials as JSON.
	VariantRaycast FlowVariant = "raycast"
)

var errUnknownVariant = errors.New("authkit.unknown_variant")

// VariantRoutes holds the public paths that serve one variant.
type VariantRoutes struct {
	// AuthPath receives ?user_state= and redirects to the provider.
	AuthPath string
	// VerifyPath is the provider redirect_uri.
	VerifyPath string
}

// DefaultVariants returns the public paths used by the bot and the Raycast extension.
func DefaultVariants() map[FlowVariant]VariantRoutes {
	return map[FlowVariant]VariantRoutes{
		VariantTelegram: {AuthPath: "/auth", VerifyPath: "/verify"},
		VariantRaycast:  {AuthPath: "/raycast/auth", VerifyPath: "/raycast/verify"},
	}
}

// ServerConfig configures the authorization flow, its storage, and its outbound clients.
type ServerConfig struct {
	PublicBaseURL  string
	ClientID       string
	StateStoreURL  string
	StateKeyPrefix string
	PendingTTL     time.Duration
	ChallengeTTL   time.Duration
	HTTPTimeout    time.Duration
	ProxyURL       string
	ForwardIP      string

	VKAuthorizeURL  string
	VKTokenURL      string
	VKPublicInfoURL string
	VKAPIURL        string
	VKAPIVersion    string

	BotToken        string
	BotLink         string
	TelegramAPIURL  string
	WebhookSecret   string
	RegisterWebhook bool

	Variants map[FlowVariant]VariantRoutes
}

func (configuration ServerConfig) routes(variant FlowVariant) (VariantRoutes, error) {
	variants := configuration.Variants
	if variants == nil {
		variants = DefaultVariants()
	}
	routes, ok := variants[variant]
	if !ok {
		return VariantRoutes{}, fmt.Errorf("%w: %q", errUnknownVariant, variant)
	}
	return routes, nil
}

// AuthLink is the deep link handed to the user: {base}{authPath}?user_state={authID}.
func (configuration ServerConfig) AuthLink(variant FlowVariant, authID string) (string, error) {
	routes, err := configuration.routes(variant)
	if err != nil {
		return "", err
	}
	query := url.Values{"user_state": {authID}}
	return strings.TrimRight(configuration.PublicBaseURL, "/") + routes.AuthPath + "?" + query.Encode(), nil
}

// RedirectURI is the provider redirect_uri registered for variant.
func (configuration ServerConfig) RedirectURI(variant FlowVariant) (string, error) {
	routes, err := configuration.routes(variant)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(configuration.PublicBaseURL, "/") + routes.VerifyPath, nil
}
