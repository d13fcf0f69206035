package authkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/vkcalls/internal/vk"
	"go.uber.org/zap"
)

var (
	errMissingTokenStore      = errors.New("authkit.missing_token_store")
	errMissingIdentityClient  = errors.New("authkit.missing_identity_client")
	errMissingPublicBaseURL   = errors.New("authkit.missing_public_base_url")
	errEmptyAuthorizationCode = errors.New("authkit.empty_authorization_code")
)

// IdentityProvider is the subset of the VK ID client the controller depends on.
type IdentityProvider interface {
	AuthorizationURL(state string, redirectURI string, codeChallenge string) string
	ExchangeCode(ctx context.Context, request vk.ExchangeRequest) (*vk.TokenPayload, error)
	RefreshToken(ctx context.Context, request vk.RefreshRequest) (*vk.TokenPayload, error)
	PublicInfo(ctx context.Context, idToken string) (*vk.Profile, error)
}

// Authorization is the result of a completed code exchange.
type Authorization struct {
	UserIdentity string
	Variant      FlowVariant
	Record       TokenRecord
}

// Controller drives ISSUED -> CHALLENGED -> EXCHANGED for each attempt and
// refreshes stored tokens.
type Controller struct {
	configuration ServerConfig
	tokens        *TokenStore
	identity      IdentityProvider
	metrics       MetricsRecorder
	logger        *zap.Logger
}

// NewController wires the controller. A nil metrics recorder or logger is replaced by a no-op.
func NewController(configuration ServerConfig, tokens *TokenStore, identity IdentityProvider, metrics MetricsRecorder, logger *zap.Logger) (*Controller, error) {
	if tokens == nil {
		return nil, errMissingTokenStore
	}
	if identity == nil {
		return nil, errMissingIdentityClient
	}
	if strings.TrimSpace(configuration.PublicBaseURL) == "" {
		return nil, errMissingPublicBaseURL
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		configuration: configuration,
		tokens:        tokens,
		identity:      identity,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Tokens exposes the store for read access by handlers.
func (controller *Controller) Tokens() *TokenStore {
	return controller.tokens
}

// IssueAuthorizationURL mints an authId for userIdentity and returns the link
// the user opens to start authorization. No provider call is made.
func (controller *Controller) IssueAuthorizationURL(ctx context.Context, userIdentity string, variant FlowVariant) (string, error) {
	if strings.TrimSpace(userIdentity) == "" {
		return "", ErrEmptyUserIdentity
	}
	authID, err := newAuthID()
	if err != nil {
		return "", err
	}
	link, err := controller.configuration.AuthLink(variant, authID)
	if err != nil {
		return "", err
	}
	if err := controller.tokens.RegisterPending(ctx, PendingAuthorization{
		AuthID:       authID,
		UserIdentity: userIdentity,
		Variant:      variant,
	}); err != nil {
		return "", err
	}
	controller.metrics.Increment(MetricURLIssued)
	controller.logger.Info("authorization url issued",
		zap.String("code", "authkit.issue.success"),
		zap.String("variant", string(variant)),
	)
	return link, nil
}

// InitiateRedirect generates the PKCE pair for authID and returns the provider
// authorization URL.
func (controller *Controller) InitiateRedirect(ctx context.Context, authID string, variant FlowVariant) (string, error) {
	pending, found, err := controller.tokens.ResolvePending(ctx, authID)
	if err != nil {
		return "", err
	}
	if !found || pending.Variant != variant {
		controller.metrics.Increment(MetricRedirectUnknown)
		return "", ErrUnknownState
	}
	redirectURI, err := controller.configuration.RedirectURI(variant)
	if err != nil {
		return "", err
	}
	challenge := NewPKCEChallenge()
	if err := controller.tokens.StoreChallenge(ctx, authID, challenge.Verifier); err != nil {
		return "", err
	}
	controller.metrics.Increment(MetricRedirect)
	return controller.identity.AuthorizationURL(authID, redirectURI, challenge.Challenge), nil
}

// CompleteAuthorization exchanges code for tokens. The verifier is taken first,
// so of two racing attempts on one authId only one reaches the provider.
func (controller *Controller) CompleteAuthorization(ctx context.Context, authID string, code string, deviceID string, variant FlowVariant) (Authorization, error) {
	if strings.TrimSpace(code) == "" {
		return Authorization{}, errEmptyAuthorizationCode
	}
	verifier, found, err := controller.tokens.TakeChallenge(ctx, authID)
	if err != nil {
		return Authorization{}, err
	}
	if !found {
		controller.metrics.Increment(MetricExchangeFailure)
		return Authorization{}, ErrMissingVerifier
	}
	pending, found, err := controller.tokens.ResolvePending(ctx, authID)
	if err != nil {
		return Authorization{}, err
	}
	if !found || pending.Variant != variant {
		controller.metrics.Increment(MetricExchangeFailure)
		return Authorization{}, ErrUnknownState
	}
	redirectURI, err := controller.configuration.RedirectURI(variant)
	if err != nil {
		return Authorization{}, err
	}

	payload, err := controller.identity.ExchangeCode(ctx, vk.ExchangeRequest{
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		State:        authID,
		DeviceID:     deviceID,
	})
	if err != nil {
		controller.metrics.Increment(MetricExchangeFailure)
		return Authorization{}, controller.providerFailure("exchange", ErrProviderExchange, err)
	}

	record := TokenRecord{
		AccessToken:    payload.AccessToken,
		RefreshToken:   payload.RefreshToken,
		IDToken:        payload.IDToken,
		TokenType:      payload.TokenType,
		ExpiresIn:      payload.ExpiresIn,
		ProviderUserID: payload.UserID,
		Scope:          payload.Scope,
		State:          authID,
		DeviceID:       deviceID,
	}
	if record.ProviderUserID == "" {
		record.ProviderUserID = providerUserIDFromIDToken(record.IDToken)
	}
	if err := controller.tokens.Save(ctx, pending.UserIdentity, record); err != nil {
		return Authorization{}, err
	}
	if err := controller.tokens.ConsumePending(ctx, authID); err != nil {
		return Authorization{}, err
	}
	controller.metrics.Increment(MetricExchangeSuccess)
	controller.logger.Info("authorization completed",
		zap.String("code", "authkit.exchange.success"),
		zap.String("variant", string(variant)),
		zap.Bool("has_refresh_token", record.RefreshToken != ""),
		zap.Bool("has_id_token", record.IDToken != ""),
	)
	return Authorization{UserIdentity: pending.UserIdentity, Variant: variant, Record: record}, nil
}

// RefreshTokens obtains new tokens for userIdentity and merges them over the
// stored record. On any failure the stored record is left untouched.
func (controller *Controller) RefreshTokens(ctx context.Context, userIdentity string) (TokenRecord, error) {
	current, found, err := controller.tokens.GetAll(ctx, userIdentity)
	if err != nil {
		return TokenRecord{}, err
	}
	if !found {
		return TokenRecord{}, ErrNoStoredState
	}
	payload, err := controller.identity.RefreshToken(ctx, vk.RefreshRequest{
		RefreshToken: current.RefreshToken,
		DeviceID:     current.DeviceID,
		State:        current.State,
	})
	if err != nil {
		controller.metrics.Increment(MetricRefreshFailure)
		return TokenRecord{}, controller.providerFailure("refresh", ErrProviderRefresh, err)
	}
	updated := mergeTokenPayload(current, payload)
	if err := controller.tokens.Save(ctx, userIdentity, updated); err != nil {
		return TokenRecord{}, err
	}
	controller.metrics.Increment(MetricRefreshSuccess)
	controller.logger.Info("tokens refreshed",
		zap.String("code", "authkit.refresh.success"),
		zap.Bool("refresh_token_rotated", payload.RefreshToken != "" && payload.RefreshToken != current.RefreshToken),
	)
	return updated, nil
}

// FetchProfile returns the provider profile for the stored id_token.
func (controller *Controller) FetchProfile(ctx context.Context, userIdentity string) (*vk.Profile, error) {
	idToken, found, err := controller.tokens.Get(ctx, userIdentity, FieldIDToken)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrMissingIDToken
	}
	profile, err := controller.identity.PublicInfo(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("authkit.profile: %w", err)
	}
	return profile, nil
}

// Logout removes the stored record for userIdentity. Callers must have
// authenticated the user already; the bot webhook does so through its secret.
func (controller *Controller) Logout(ctx context.Context, userIdentity string) error {
	if strings.TrimSpace(userIdentity) == "" {
		return ErrEmptyUserIdentity
	}
	return controller.tokens.Clear(ctx, userIdentity)
}

// LogoutWithRefreshToken removes the stored record only when refreshToken
// matches the stored one. An absent record also yields ErrLogoutForbidden.
func (controller *Controller) LogoutWithRefreshToken(ctx context.Context, userIdentity string, refreshToken string) error {
	if strings.TrimSpace(userIdentity) == "" {
		return ErrEmptyUserIdentity
	}
	stored, found, err := controller.tokens.Get(ctx, userIdentity, FieldRefreshToken)
	if err != nil {
		return fmt.Errorf("authkit.logout.load: %w", err)
	}
	if !found || refreshToken == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(refreshToken)) != 1 {
		controller.logger.Warn("logout rejected",
			zap.String("code", "authkit.logout.forbidden"),
			zap.String("user_identity", userIdentity),
		)
		return ErrLogoutForbidden
	}
	return controller.tokens.Clear(ctx, userIdentity)
}

// providerFailure tags provider error payloads with kind while keeping the
// *vk.Error reachable through errors.As. Transport failures pass through.
func (controller *Controller) providerFailure(operation string, kind error, err error) error {
	var providerErr *vk.Error
	if errors.As(err, &providerErr) {
		controller.logger.Warn("provider rejected request",
			zap.String("code", "authkit."+operation+".provider_error"),
			zap.String("provider_message", providerErr.Message),
		)
		return fmt.Errorf("%w: %w", kind, err)
	}
	controller.logger.Error("provider request failed",
		zap.String("code", "authkit."+operation+".transport_error"),
		zap.Error(err),
	)
	return fmt.Errorf("authkit.%s: %w", operation, err)
}

// mergeTokenPayload lays the fields present in payload over current. State and
// DeviceID always come from current.
func mergeTokenPayload(current TokenRecord, payload *vk.TokenPayload) TokenRecord {
	merged := current
	overwrite := func(target *string, value string) {
		if value != "" {
			*target = value
		}
	}
	overwrite(&merged.AccessToken, payload.AccessToken)
	overwrite(&merged.RefreshToken, payload.RefreshToken)
	overwrite(&merged.IDToken, payload.IDToken)
	overwrite(&merged.TokenType, payload.TokenType)
	overwrite(&merged.ExpiresIn, payload.ExpiresIn)
	overwrite(&merged.ProviderUserID, payload.UserID)
	overwrite(&merged.Scope, payload.Scope)
	return merged
}
