package vk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultAuthorizeURL is the VK ID browser authorization endpoint.
	DefaultAuthorizeURL = "https://id.vk.com/authorize"
	// DefaultTokenURL is the VK ID token endpoint used for exchange and refresh.
	DefaultTokenURL = "https://id.vk.com/oauth2/auth"
	// DefaultPublicInfoURL returns the profile behind an id_token.
	DefaultPublicInfoURL = "https://id.vk.com/oauth2/public_info"
	// DefaultScope is the only scope this service requests.
	DefaultScope = "email phone"

	maxResponseSize = 1 << 20
)

var (
	errMissingClientID   = errors.New("vk.identity.missing_client_id")
	errMissingHTTPClient = errors.New("vk.identity.missing_http_client")
	errMalformedPayload  = errors.New("payload missing access_token")
	errMalformedProfile  = errors.New("payload missing user")
)

// IdentityConfig configures the VK ID client.
type IdentityConfig struct {
	ClientID      string
	AuthorizeURL  string
	TokenURL      string
	PublicInfoURL string
	Scope         string
	// ForwardIP, when set, is sent as the ip parameter on every VK ID request.
	ForwardIP string
}

// TokenPayload is a successful token endpoint response. Fields absent from the
// response are empty strings.
type TokenPayload struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    string
	UserID       string
	Scope        string
	State        string
}

// Profile is the public info VK ID returns for an id_token.
type Profile struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Email     string `json:"email,omitempty"`
	Sex       int64  `json:"sex,omitempty"`
	Verified  bool   `json:"verified,omitempty"`
	Birthday  string `json:"birthday,omitempty"`
}

// DisplayName joins the first and last name.
func (profile *Profile) DisplayName() string {
	return strings.TrimSpace(profile.FirstName + " " + profile.LastName)
}

// ExchangeRequest carries the authorization_code grant parameters.
type ExchangeRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	State        string
	DeviceID     string
}

// RefreshRequest carries the refresh_token grant parameters.
type RefreshRequest struct {
	RefreshToken string
	DeviceID     string
	State        string
}

// IdentityClient talks to VK ID.
type IdentityClient struct {
	config     IdentityConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewIdentityClient validates config and fills default endpoints.
func NewIdentityClient(config IdentityConfig, httpClient *http.Client, logger *zap.Logger) (*IdentityClient, error) {
	if strings.TrimSpace(config.ClientID) == "" {
		return nil, errMissingClientID
	}
	if httpClient == nil {
		return nil, errMissingHTTPClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AuthorizeURL == "" {
		config.AuthorizeURL = DefaultAuthorizeURL
	}
	if config.TokenURL == "" {
		config.TokenURL = DefaultTokenURL
	}
	if config.PublicInfoURL == "" {
		config.PublicInfoURL = DefaultPublicInfoURL
	}
	if config.Scope == "" {
		config.Scope = DefaultScope
	}
	return &IdentityClient{config: config, httpClient: httpClient, logger: logger}, nil
}

// AuthorizationURL builds the browser redirect to VK ID for one attempt.
func (client *IdentityClient) AuthorizationURL(state string, redirectURI string, codeChallenge string) string {
	oauthConfig := oauth2.Config{
		ClientID:    client.config.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: client.config.AuthorizeURL, TokenURL: client.config.TokenURL},
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(client.config.Scope),
	}
	options := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if client.config.ForwardIP != "" {
		options = append(options, oauth2.SetAuthURLParam("ip", client.config.ForwardIP))
	}
	return oauthConfig.AuthCodeURL(state, options...)
}

// ExchangeCode trades an authorization code for tokens.
func (client *IdentityClient) ExchangeCode(ctx context.Context, request ExchangeRequest) (*TokenPayload, error) {
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {request.Code},
		"code_verifier": {request.CodeVerifier},
		"redirect_uri":  {request.RedirectURI},
		"state":         {request.State},
		"client_id":     {client.config.ClientID},
		"device_id":     {request.DeviceID},
	}
	payload, err := client.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}
	client.logger.Debug("vk token exchange succeeded",
		zap.String("code", "vk.identity.exchange.success"),
		zap.Bool("has_refresh_token", payload.RefreshToken != ""),
		zap.Bool("has_id_token", payload.IDToken != ""),
	)
	return payload, nil
}

// RefreshToken obtains fresh tokens using a stored refresh token.
func (client *IdentityClient) RefreshToken(ctx context.Context, request RefreshRequest) (*TokenPayload, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {request.RefreshToken},
		"client_id":     {client.config.ClientID},
		"device_id":     {request.DeviceID},
		"state":         {request.State},
	}
	payload, err := client.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}
	client.logger.Debug("vk token refresh succeeded",
		zap.String("code", "vk.identity.refresh.success"),
		zap.Bool("has_new_refresh_token", payload.RefreshToken != ""),
	)
	return payload, nil
}

// PublicInfo resolves the profile behind an id_token.
func (client *IdentityClient) PublicInfo(ctx context.Context, idToken string) (*Profile, error) {
	params := url.Values{
		"client_id": {client.config.ClientID},
		"id_token":  {idToken},
	}
	body, err := client.postForm(ctx, client.config.PublicInfoURL, params)
	if err != nil {
		return nil, err
	}
	user := gjson.GetBytes(body, "user")
	if !user.IsObject() {
		return nil, transportError("public_info", errMalformedProfile)
	}
	return &Profile{
		UserID:    user.Get("user_id").String(),
		FirstName: user.Get("first_name").String(),
		LastName:  user.Get("last_name").String(),
		Phone:     user.Get("phone").String(),
		Avatar:    user.Get("avatar").String(),
		Email:     user.Get("email").String(),
		Sex:       user.Get("sex").Int(),
		Verified:  user.Get("verified").Bool(),
		Birthday:  user.Get("birthday").String(),
	}, nil
}

func (client *IdentityClient) tokenRequest(ctx context.Context, params url.Values) (*TokenPayload, error) {
	client.logger.Debug("sending vk token request",
		zap.String("code", "vk.identity.token_request"),
		zap.String("grant_type", params.Get("grant_type")),
	)
	body, err := client.postForm(ctx, client.config.TokenURL, params)
	if err != nil {
		return nil, err
	}
	payload := gjson.ParseBytes(body)
	if payload.Get("access_token").String() == "" {
		return nil, transportError("token", errMalformedPayload)
	}
	return &TokenPayload{
		AccessToken:  payload.Get("access_token").String(),
		RefreshToken: payload.Get("refresh_token").String(),
		IDToken:      payload.Get("id_token").String(),
		TokenType:    payload.Get("token_type").String(),
		ExpiresIn:    payload.Get("expires_in").String(),
		UserID:       payload.Get("user_id").String(),
		Scope:        payload.Get("scope").String(),
		State:        payload.Get("state").String(),
	}, nil
}

// postForm sends a form-encoded POST and returns the body when it is not an
// error payload.
func (client *IdentityClient) postForm(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if client.config.ForwardIP != "" {
		params.Set("ip", client.config.ForwardIP)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, transportError("build_request", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, transportError("do", err)
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, transportError("read", err)
	}
	providerErr, err := classify(body)
	if err != nil {
		return nil, transportError(fmt.Sprintf("decode(status=%d)", response.StatusCode), err)
	}
	if providerErr != nil {
		client.logger.Warn("vk identity returned error payload",
			zap.String("code", "vk.identity.provider_error"),
			zap.Int("status", response.StatusCode),
			zap.Int64("error_code", providerErr.Code),
			zap.String("error_msg", providerErr.Message),
		)
		return nil, providerErr
	}
	if response.StatusCode >= http.StatusBadRequest {
		return nil, transportError("status", fmt.Errorf("unexpected status %d", response.StatusCode))
	}
	return body, nil
}
