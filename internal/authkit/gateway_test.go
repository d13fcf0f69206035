package authkit

import (
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/tyemirov/vkcalls/internal/vk"
)

const callSuccess = `{"response":{"join_link":"https://vk.com/call/join/fresh"}}`

func TestGatewayRetriesOnceAfterExpiry(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	harness.authorize(t, "u1", "dev1")
	api := newFakeResourceAPI(t, expiredPayload, callSuccess)
	gateway := harness.newGateway(t, api)

	params := url.Values{"name": {"Standup"}}
	response, err := gateway.Call(t.Context(), "u1", "calls.start", params)
	if err != nil {
		t.Fatalf("gateway call failed: %v", err)
	}
	if response.Err != nil {
		t.Fatalf("expected success, got %v", response.Err)
	}
	if link := response.Result().Get("join_link").String(); link != "https://vk.com/call/join/fresh" {
		t.Fatalf("unexpected join link %q", link)
	}
	if harness.provider.refreshCalls() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", harness.provider.refreshCalls())
	}

	tokens := api.seenTokens()
	if len(tokens) != 2 || tokens[0] != "T1" || tokens[1] != "T-refresh-1" {
		t.Fatalf("expected calls with T1 then the refreshed token, got %v", tokens)
	}
	if api.queries[1].Get("name") != "Standup" || api.queries[1].Get("v") != api.queries[0].Get("v") {
		t.Fatalf("replayed request must carry the original parameters, got %v", api.queries[1])
	}
	if harness.metrics.Count(MetricGatewayRetry) != 1 {
		t.Fatalf("expected one retry metric")
	}
}

func TestGatewayDoesNotRetryTwice(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	harness.authorize(t, "u1", "dev1")
	api := newFakeResourceAPI(t, expiredPayload, expiredPayload)
	gateway := harness.newGateway(t, api)

	response, err := gateway.Call(t.Context(), "u1", "calls.start", nil)
	if err != nil {
		t.Fatalf("gateway call failed: %v", err)
	}
	if !response.IsTokenExpired() {
		t.Fatalf("expected the second expired response to be returned, got %+v", response)
	}
	if harness.provider.refreshCalls() != 1 {
		t.Fatalf("expected a single refresh attempt, got %d", harness.provider.refreshCalls())
	}
	if len(api.seenTokens()) != 2 {
		t.Fatalf("expected exactly two downstream calls, got %d", len(api.seenTokens()))
	}
}

func TestGatewayPassesThroughWithoutStoredState(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	api := newFakeResourceAPI(t, expiredPayload)
	gateway := harness.newGateway(t, api)

	response, err := gateway.Call(t.Context(), "nobody", "calls.start", nil)
	if err != nil {
		t.Fatalf("expected pass-through, got %v", err)
	}
	if !response.IsTokenExpired() {
		t.Fatalf("expected original expired response, got %+v", response)
	}
	if harness.provider.refreshCalls() != 0 {
		t.Fatalf("no refresh may be attempted without stored state")
	}
	if tokens := api.seenTokens(); len(tokens) != 1 || tokens[0] != "" {
		t.Fatalf("expected one call with an empty token, got %v", tokens)
	}
}

func TestGatewayPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	harness.authorize(t, "u1", "dev1")
	api := newFakeResourceAPI(t, `{"error":{"error_code":15,"error_msg":"Access denied"}}`)
	gateway := harness.newGateway(t, api)

	response, err := gateway.Call(t.Context(), "u1", "calls.start", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.Err == nil || response.Err.Code != 15 {
		t.Fatalf("expected access denied payload, got %+v", response.Err)
	}
	if harness.provider.refreshCalls() != 0 {
		t.Fatalf("only the expiry signal may trigger a refresh")
	}
}

func TestGatewayPropagatesRefreshFailure(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	harness.authorize(t, "u1", "dev1")
	harness.provider.queueRefresh(`{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	api := newFakeResourceAPI(t, expiredPayload, callSuccess)
	gateway := harness.newGateway(t, api)

	response, err := gateway.Call(t.Context(), "u1", "calls.start", nil)
	if !errors.Is(err, ErrProviderRefresh) {
		t.Fatalf("expected ErrProviderRefresh, got %v", err)
	}
	if response != nil {
		t.Fatalf("the expired response must not be returned silently")
	}
	if len(api.seenTokens()) != 1 {
		t.Fatalf("no replay after a failed refresh")
	}
}

func TestGatewayDoesNotRefreshOnTransportFailure(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	harness.authorize(t, "u1", "dev1")
	api := newFakeResourceAPI(t)
	api.server.Close()
	gateway := harness.newGateway(t, api)

	if _, err := gateway.Call(t.Context(), "u1", "calls.start", nil); !errors.Is(err, vk.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if harness.provider.refreshCalls() != 0 {
		t.Fatalf("transport failures must not trigger a refresh")
	}
}

// Two calls that both observe expiry both refresh; the later save wins. This
// is accepted: each refresh is independently valid and the record stays whole.
func TestConcurrentRefreshesLastSaveWins(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	authID := harness.authorize(t, "u1", "dev1")
	api := newFakeResourceAPI(t, expiredPayload, expiredPayload, callSuccess, callSuccess)
	gateway := harness.newGateway(t, api)

	var waitGroup sync.WaitGroup
	errs := make(chan error, 2)
	for index := 0; index < 2; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, callErr := gateway.Call(t.Context(), "u1", "calls.start", nil)
			errs <- callErr
		}()
	}
	waitGroup.Wait()
	close(errs)
	for callErr := range errs {
		if callErr != nil {
			t.Fatalf("gateway call failed: %v", callErr)
		}
	}

	record, found, err := harness.tokens.GetAll(t.Context(), "u1")
	if err != nil || !found {
		t.Fatalf("expected record, found=%v err=%v", found, err)
	}
	switch record.AccessToken {
	case "T-refresh-1", "T-refresh-2":
	default:
		t.Fatalf("unexpected access token %q", record.AccessToken)
	}
	if record.DeviceID != "dev1" || record.State != authID {
		t.Fatalf("identity fields must survive racing refreshes, got %+v", record)
	}
}

func TestConcurrentRefreshesBothReachProvider(t *testing.T) {
	t.Parallel()

	harness := newFlowHarness(t)
	harness.authorize(t, "u1", "dev1")

	var waitGroup sync.WaitGroup
	results := make(chan TokenRecord, 2)
	for index := 0; index < 2; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			record, err := harness.controller.RefreshTokens(t.Context(), "u1")
			if err != nil {
				t.Errorf("refresh failed: %v", err)
				return
			}
			results <- record
		}()
	}
	waitGroup.Wait()
	close(results)

	if harness.provider.refreshCalls() != 2 {
		t.Fatalf("expected both refreshes to reach the provider, got %d", harness.provider.refreshCalls())
	}
	returned := map[string]bool{}
	for record := range results {
		returned[record.AccessToken] = true
	}
	stored, _, _ := harness.tokens.GetAll(t.Context(), "u1")
	if !returned[stored.AccessToken] {
		t.Fatalf("stored token %q must be one of the refresh results %v", stored.AccessToken, returned)
	}
}
