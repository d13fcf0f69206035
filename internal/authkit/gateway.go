package authkit

import (
	"context"
	"errors"
	"net/url"

	"github.com/tyemirov/vkcalls/internal/vk"
	"go.uber.org/zap"
)

var errMissingAPIClient = errors.New("authkit.missing_api_client")

// APICaller issues one downstream API call.
type APICaller interface {
	Call(ctx context.Context, method string, accessToken string, params url.Values) (*vk.Response, error)
}

// TokenRefresher refreshes a user's stored tokens.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, userIdentity string) (TokenRecord, error)
}

// Gateway calls the downstream API on behalf of a user and retries once with
// refreshed tokens when the API reports an expired access token.
type Gateway struct {
	tokens    *TokenStore
	refresher TokenRefresher
	api       APICaller
	metrics   MetricsRecorder
	logger    *zap.Logger
}

// NewGateway builds a Gateway.
func NewGateway(tokens *TokenStore, refresher TokenRefresher, api APICaller, metrics MetricsRecorder, logger *zap.Logger) (*Gateway, error) {
	if tokens == nil {
		return nil, errMissingTokenStore
	}
	if refresher == nil {
		return nil, errMissingIdentityClient
	}
	if api == nil {
		return nil, errMissingAPIClient
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{tokens: tokens, refresher: refresher, api: api, metrics: metrics, logger: logger}, nil
}

// Call invokes method for userIdentity. Error payloads are returned inside the
// response. Only an expired-token payload triggers a refresh, and the request
// is replayed at most once. Transport and refresh failures are returned as errors.
func (gateway *Gateway) Call(ctx context.Context, userIdentity string, method string, params url.Values) (*vk.Response, error) {
	gateway.metrics.Increment(MetricGatewayCall)
	accessToken, _, err := gateway.tokens.Get(ctx, userIdentity, FieldAccessToken)
	if err != nil {
		return nil, err
	}
	response, err := gateway.api.Call(ctx, method, accessToken, params)
	if err != nil {
		return nil, err
	}
	if !response.IsTokenExpired() {
		return response, nil
	}

	refreshed, err := gateway.refresher.RefreshTokens(ctx, userIdentity)
	if errors.Is(err, ErrNoStoredState) {
		return response, nil
	}
	if err != nil {
		gateway.logger.Warn("token refresh failed during api call",
			zap.String("code", "gateway.refresh_failed"),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil, err
	}

	gateway.metrics.Increment(MetricGatewayRetry)
	gateway.logger.Info("retrying api call with refreshed token",
		zap.String("code", "gateway.retry"),
		zap.String("method", method),
	)
	return gateway.api.Call(ctx, method, refreshed.AccessToken, params)
}
