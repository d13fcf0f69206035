package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/vkcalls/internal/statestore"
)

// Hash field names of a stored TokenRecord.
const (
	FieldAccessToken    = "access_token"
	FieldRefreshToken   = "refresh_token"
	FieldIDToken        = "id_token"
	FieldTokenType      = "token_type"
	FieldExpiresIn      = "expires_in"
	FieldProviderUserID = "user_id"
	FieldScope          = "scope"
	FieldState          = "state"
	FieldDeviceID       = "device_id"
)

const (
	defaultStateKeyPrefix = "vkcalls:"
	defaultPendingTTL     = 10 * time.Minute
	defaultChallengeTTL   = 10 * time.Minute

	pendingKeySegment   = "pending:"
	challengeKeySegment = "challenge:"
	tokenKeySegment     = "token:"
)

var errEmptyAuthID = errors.New("authkit.empty_auth_id")

// TokenRecord is the persisted OAuth state of one user.
type TokenRecord struct {
	AccessToken    string
	RefreshToken   string
	IDToken        string
	TokenType      string
	ExpiresIn      string
	ProviderUserID string
	Scope          string
	// State is the authId of the attempt that produced the record. It is echoed on refresh.
	State string
	// DeviceID comes from the provider redirect and is never returned by the token endpoint.
	DeviceID string
}

func (record TokenRecord) fields() map[string]string {
	return map[string]string{
		FieldAccessToken:    record.AccessToken,
		FieldRefreshToken:   record.RefreshToken,
		FieldIDToken:        record.IDToken,
		FieldTokenType:      record.TokenType,
		FieldExpiresIn:      record.ExpiresIn,
		FieldProviderUserID: record.ProviderUserID,
		FieldScope:          record.Scope,
		FieldState:          record.State,
		FieldDeviceID:       record.DeviceID,
	}
}

func recordFromFields(fields map[string]string) TokenRecord {
	return TokenRecord{
		AccessToken:    fields[FieldAccessToken],
		RefreshToken:   fields[FieldRefreshToken],
		IDToken:        fields[FieldIDToken],
		TokenType:      fields[FieldTokenType],
		ExpiresIn:      fields[FieldExpiresIn],
		ProviderUserID: fields[FieldProviderUserID],
		Scope:          fields[FieldScope],
		State:          fields[FieldState],
		DeviceID:       fields[FieldDeviceID],
	}
}

// PendingAuthorization binds an opaque authId to the user who requested it.
type PendingAuthorization struct {
	AuthID       string      `json:"-"`
	UserIdentity string      `json:"user_identity"`
	Variant      FlowVariant `json:"variant"`
}

// TokenStoreOptions tune key namespacing and expiry.
type TokenStoreOptions struct {
	KeyPrefix    string
	PendingTTL   time.Duration
	ChallengeTTL time.Duration
}

// TokenStore is the only writer of persisted authorization state. It holds no
// locks; per-key atomicity comes from the backing statestore.Store.
type TokenStore struct {
	store        statestore.Store
	keyPrefix    string
	pendingTTL   time.Duration
	challengeTTL time.Duration
}

// NewTokenStore wraps store. Zero options fall back to defaults.
func NewTokenStore(store statestore.Store, options TokenStoreOptions) *TokenStore {
	if options.KeyPrefix == "" {
		options.KeyPrefix = defaultStateKeyPrefix
	}
	if options.PendingTTL <= 0 {
		options.PendingTTL = defaultPendingTTL
	}
	if options.ChallengeTTL <= 0 {
		options.ChallengeTTL = defaultChallengeTTL
	}
	return &TokenStore{
		store:        store,
		keyPrefix:    options.KeyPrefix,
		pendingTTL:   options.PendingTTL,
		challengeTTL: options.ChallengeTTL,
	}
}

func (tokens *TokenStore) tokenKey(userIdentity string) string {
	return tokens.keyPrefix + tokenKeySegment + userIdentity
}

func (tokens *TokenStore) pendingKey(authID string) string {
	return tokens.keyPrefix + pendingKeySegment + authID
}

func (tokens *TokenStore) challengeKey(authID string) string {
	return tokens.keyPrefix + challengeKeySegment + authID
}

// Save upserts every field of record for userIdentity.
func (tokens *TokenStore) Save(ctx context.Context, userIdentity string, record TokenRecord) error {
	if strings.TrimSpace(userIdentity) == "" {
		return ErrEmptyUserIdentity
	}
	if err := tokens.store.HashSet(ctx, tokens.tokenKey(userIdentity), record.fields()); err != nil {
		return fmt.Errorf("token_store.save: %w", err)
	}
	return nil
}

// Get returns a single field of the user's record.
func (tokens *TokenStore) Get(ctx context.Context, userIdentity string, field string) (string, bool, error) {
	value, err := tokens.store.HashGet(ctx, tokens.tokenKey(userIdentity), field)
	if errors.Is(err, statestore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token_store.get: %w", err)
	}
	return value, value != "", nil
}

// GetAll returns the user's full record.
func (tokens *TokenStore) GetAll(ctx context.Context, userIdentity string) (TokenRecord, bool, error) {
	fields, err := tokens.store.HashGetAll(ctx, tokens.tokenKey(userIdentity))
	if errors.Is(err, statestore.ErrNotFound) {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, fmt.Errorf("token_store.get_all: %w", err)
	}
	return recordFromFields(fields), true, nil
}

// Clear removes the user's record.
func (tokens *TokenStore) Clear(ctx context.Context, userIdentity string) error {
	if err := tokens.store.HashDelete(ctx, tokens.tokenKey(userIdentity)); err != nil {
		return fmt.Errorf("token_store.clear: %w", err)
	}
	return nil
}

// RegisterPending records that authID was issued to userIdentity for variant.
func (tokens *TokenStore) RegisterPending(ctx context.Context, pending PendingAuthorization) error {
	if strings.TrimSpace(pending.AuthID) == "" {
		return errEmptyAuthID
	}
	if strings.TrimSpace(pending.UserIdentity) == "" {
		return ErrEmptyUserIdentity
	}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("token_store.register_pending.encode: %w", err)
	}
	if err := tokens.store.Set(ctx, tokens.pendingKey(pending.AuthID), string(encoded), tokens.pendingTTL); err != nil {
		return fmt.Errorf("token_store.register_pending: %w", err)
	}
	return nil
}

// ResolvePending looks up a live pending authorization.
func (tokens *TokenStore) ResolvePending(ctx context.Context, authID string) (PendingAuthorization, bool, error) {
	if strings.TrimSpace(authID) == "" {
		return PendingAuthorization{}, false, nil
	}
	encoded, err := tokens.store.Get(ctx, tokens.pendingKey(authID))
	if errors.Is(err, statestore.ErrNotFound) {
		return PendingAuthorization{}, false, nil
	}
	if err != nil {
		return PendingAuthorization{}, false, fmt.Errorf("token_store.resolve_pending: %w", err)
	}
	var pending PendingAuthorization
	if decodeErr := json.Unmarshal([]byte(encoded), &pending); decodeErr != nil {
		return PendingAuthorization{}, false, fmt.Errorf("token_store.resolve_pending.decode: %w", decodeErr)
	}
	pending.AuthID = authID
	return pending, true, nil
}

// ConsumePending deletes a pending authorization so authID cannot be reused.
func (tokens *TokenStore) ConsumePending(ctx context.Context, authID string) error {
	if err := tokens.store.Delete(ctx, tokens.pendingKey(authID)); err != nil {
		return fmt.Errorf("token_store.consume_pending: %w", err)
	}
	return nil
}

// StoreChallenge keeps the PKCE verifier for authID until the code exchange.
func (tokens *TokenStore) StoreChallenge(ctx context.Context, authID string, verifier string) error {
	if strings.TrimSpace(authID) == "" {
		return errEmptyAuthID
	}
	if err := tokens.store.Set(ctx, tokens.challengeKey(authID), verifier, tokens.challengeTTL); err != nil {
		return fmt.Errorf("token_store.store_challenge: %w", err)
	}
	return nil
}

// TakeChallenge atomically reads and deletes the verifier for authID.
func (tokens *TokenStore) TakeChallenge(ctx context.Context, authID string) (string, bool, error) {
	if strings.TrimSpace(authID) == "" {
		return "", false, nil
	}
	verifier, err := tokens.store.GetAndDelete(ctx, tokens.challengeKey(authID))
	if errors.Is(err, statestore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token_store.take_challenge: %w", err)
	}
	return verifier, true, nil
}
