package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// DefaultAPIURL is the VK API method root.
	DefaultAPIURL = "https://api.vk.com/method"
	// DefaultAPIVersion is sent as v on every call.
	DefaultAPIVersion = "5.131"
)

var errEmptyMethod = errors.New("vk.api.empty_method")

// APIConfig configures the VK API client.
type APIConfig struct {
	BaseURL string
	Version string
}

// Response is a classified VK API response. Exactly one of Body's "response"
// member or Err is meaningful.
type Response struct {
	Status int
	Body   json.RawMessage
	Err    *Error
}

// IsTokenExpired reports whether the call failed because the access token expired.
func (response *Response) IsTokenExpired() bool {
	return response != nil && response.Err.IsTokenExpired()
}

// Result returns the "response" member of a successful call.
func (response *Response) Result() gjson.Result {
	if response == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(response.Body, "response")
}

// APIClient calls VK API methods with a caller-supplied access token.
type APIClient struct {
	config     APIConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient fills defaults for an empty config.
func NewAPIClient(config APIConfig, httpClient *http.Client, logger *zap.Logger) (*APIClient, error) {
	if httpClient == nil {
		return nil, errMissingHTTPClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultAPIURL
	}
	if config.Version == "" {
		config.Version = DefaultAPIVersion
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &APIClient{config: config, httpClient: httpClient, logger: logger}, nil
}

// Version returns the API version sent with each call.
func (client *APIClient) Version() string {
	return client.config.Version
}

// Call invokes method with params and accessToken. An error payload is returned
// inside Response, not as an error; the error return is reserved for transport
// failures wrapping ErrTransport.
func (client *APIClient) Call(ctx context.Context, method string, accessToken string, params url.Values) (*Response, error) {
	if strings.TrimSpace(method) == "" {
		return nil, errEmptyMethod
	}
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	if query.Get("v") == "" {
		query.Set("v", client.config.Version)
	}
	query.Set("access_token", accessToken)

	endpoint := client.config.BaseURL + "/" + url.PathEscape(method) + "?" + query.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, transportError("api.build_request", err)
	}
	request.Header.Set("Accept", "application/json")

	httpResponse, err := client.httpClient.Do(request)
	if err != nil {
		return nil, transportError("api.do", err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseSize))
	if err != nil {
		return nil, transportError("api.read", err)
	}
	providerErr, err := classify(body)
	if err != nil {
		return nil, transportError(fmt.Sprintf("api.decode(status=%d)", httpResponse.StatusCode), err)
	}
	if providerErr != nil {
		client.logger.Info("vk api returned error payload",
			zap.String("code", "vk.api.error_payload"),
			zap.String("method", method),
			zap.Int64("error_code", providerErr.Code),
			zap.String("error_msg", providerErr.Message),
		)
	}
	return &Response{Status: httpResponse.StatusCode, Body: body, Err: providerErr}, nil
}
