package authkit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/tyemirov/vkcalls/internal/statestore"
	"github.com/tyemirov/vkcalls/internal/vk"
	"go.uber.org/zap/zaptest"
)

const (
	testPublicBaseURL = "https://telegram-calls.dimensi.dev"
	testClientID      = "51234567"
	exchangeSuccess   = `{"access_token":"T1","refresh_token":"R1","expires_in":3600,"user_id":42,"id_token":"ID1","scope":"email phone","token_type":"bearer","state":"ignored"}`
	expiredPayload    = `{"error":{"error_code":5,"error_msg":"User authorization failed: access_token has expired."}}`
)

// fakeIdentityProvider serves the VK ID token and public info endpoints.
// Queued bodies are returned in order; once a queue is empty a success body is returned.
type fakeIdentityProvider struct {
	mutex             sync.Mutex
	exchangeResponses []string
	refreshResponses  []string
	exchangeForms     []url.Values
	refreshForms      []url.Values
	refreshCount      int
	server            *httptest.Server
}

func newFakeIdentityProvider(t *testing.T) *fakeIdentityProvider {
	t.Helper()
	provider := &fakeIdentityProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/auth", provider.handleToken)
	mux.HandleFunc("/oauth2/public_info", func(writer http.ResponseWriter, request *http.Request) {
		_ = request.ParseForm()
		if request.PostForm.Get("id_token") == "" {
			_, _ = writer.Write([]byte(`{"error":"invalid_request","error_description":"id_token is required"}`))
			return
		}
		_, _ = writer.Write([]byte(`{"user":{"user_id":"42","first_name":"Ivan","last_name":"Petrov","email":"ivan@example.com"}}`))
	})
	provider.server = httptest.NewServer(mux)
	t.Cleanup(provider.server.Close)
	return provider
}

func (provider *fakeIdentityProvider) handleToken(writer http.ResponseWriter, request *http.Request) {
	_ = request.ParseForm()
	provider.mutex.Lock()
	var body string
	switch request.PostForm.Get("grant_type") {
	case "authorization_code":
		provider.exchangeForms = append(provider.exchangeForms, request.PostForm)
		body = exchangeSuccess
		if len(provider.exchangeResponses) > 0 {
			body = provider.exchangeResponses[0]
			provider.exchangeResponses = provider.exchangeResponses[1:]
		}
	case "refresh_token":
		provider.refreshForms = append(provider.refreshForms, request.PostForm)
		provider.refreshCount++
		body = fmt.Sprintf(`{"access_token":"T-refresh-%d","refresh_token":"R-refresh-%d","expires_in":3600}`, provider.refreshCount, provider.refreshCount)
		if len(provider.refreshResponses) > 0 {
			body = provider.refreshResponses[0]
			provider.refreshResponses = provider.refreshResponses[1:]
		}
	default:
		body = `{"error":"unsupported_grant_type"}`
	}
	provider.mutex.Unlock()
	writer.Header().Set("Content-Type", "application/json")
	_, _ = writer.Write([]byte(body))
}

func (provider *fakeIdentityProvider) queueExchange(bodies ...string) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.exchangeResponses = append(provider.exchangeResponses, bodies...)
}

func (provider *fakeIdentityProvider) queueRefresh(bodies ...string) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.refreshResponses = append(provider.refreshResponses, bodies...)
}

func (provider *fakeIdentityProvider) exchangeCalls() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.exchangeForms)
}

func (provider *fakeIdentityProvider) refreshCalls() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.refreshForms)
}

func (provider *fakeIdentityProvider) lastRefreshForm() url.Values {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if len(provider.refreshForms) == 0 {
		return nil
	}
	return provider.refreshForms[len(provider.refreshForms)-1]
}

// fakeResourceAPI replays queued bodies for every method and records the tokens it saw.
type fakeResourceAPI struct {
	mutex        sync.Mutex
	responses    []string
	accessTokens []string
	queries      []url.Values
	server       *httptest.Server
}

func newFakeResourceAPI(t *testing.T, responses ...string) *fakeResourceAPI {
	t.Helper()
	api := &fakeResourceAPI{responses: responses}
	api.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		api.mutex.Lock()
		query := request.URL.Query()
		api.accessTokens = append(api.accessTokens, query.Get("access_token"))
		api.queries = append(api.queries, query)
		body := `{"response":{"join_link":"https://vk.com/call/join/default"}}`
		if len(api.responses) > 0 {
			body = api.responses[0]
			api.responses = api.responses[1:]
		}
		api.mutex.Unlock()
		_, _ = writer.Write([]byte(body))
	}))
	t.Cleanup(api.server.Close)
	return api
}

func (api *fakeResourceAPI) seenTokens() []string {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return append([]string(nil), api.accessTokens...)
}

type flowHarness struct {
	configuration ServerConfig
	store         statestore.Store
	tokens        *TokenStore
	provider      *fakeIdentityProvider
	controller    *Controller
	metrics       *CounterMetrics
}

func newFlowHarness(t *testing.T) *flowHarness {
	t.Helper()
	return newFlowHarnessWithStore(t, statestore.NewMemoryStore())
}

func newFlowHarnessWithStore(t *testing.T, store statestore.Store) *flowHarness {
	t.Helper()
	provider := newFakeIdentityProvider(t)
	configuration := ServerConfig{
		PublicBaseURL:   testPublicBaseURL,
		ClientID:        testClientID,
		VKAuthorizeURL:  "https://id.vk.test/authorize",
		VKTokenURL:      provider.server.URL + "/oauth2/auth",
		VKPublicInfoURL: provider.server.URL + "/oauth2/public_info",
		Variants:        DefaultVariants(),
	}
	identity, err := vk.NewIdentityClient(vk.IdentityConfig{
		ClientID:      configuration.ClientID,
		AuthorizeURL:  configuration.VKAuthorizeURL,
		TokenURL:      configuration.VKTokenURL,
		PublicInfoURL: configuration.VKPublicInfoURL,
	}, provider.server.Client(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("identity client: %v", err)
	}
	tokens := NewTokenStore(store, TokenStoreOptions{KeyPrefix: "test:"})
	metrics := NewCounterMetrics()
	controller, err := NewController(configuration, tokens, identity, metrics, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return &flowHarness{
		configuration: configuration,
		store:         store,
		tokens:        tokens,
		provider:      provider,
		controller:    controller,
		metrics:       metrics,
	}
}

func (harness *flowHarness) newGateway(t *testing.T, api *fakeResourceAPI) *Gateway {
	t.Helper()
	apiClient, err := vk.NewAPIClient(vk.APIConfig{BaseURL: api.server.URL}, api.server.Client(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	gateway, err := NewGateway(harness.tokens, harness.controller, apiClient, harness.metrics, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return gateway
}

// authIDFromLink extracts user_state from an issued authorization link.
func authIDFromLink(t *testing.T, link string) string {
	t.Helper()
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("invalid link %q: %v", link, err)
	}
	return parsed.Query().Get("user_state")
}

// authorize runs issue, redirect and exchange for userIdentity and returns the authId.
func (harness *flowHarness) authorize(t *testing.T, userIdentity string, deviceID string) string {
	t.Helper()
	ctx := t.Context()
	link, err := harness.controller.IssueAuthorizationURL(ctx, userIdentity, VariantTelegram)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	authID := authIDFromLink(t, link)
	if _, err := harness.controller.InitiateRedirect(ctx, authID, VariantTelegram); err != nil {
		t.Fatalf("redirect: %v", err)
	}
	if _, err := harness.controller.CompleteAuthorization(ctx, authID, "code123", deviceID, VariantTelegram); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return authID
}
