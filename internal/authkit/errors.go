package authkit

import "errors"

var (
	// ErrUnknownState indicates the authId is absent, expired, consumed, or bound to another variant.
	ErrUnknownState = errors.New("authkit.unknown_state")
	// ErrMissingVerifier indicates the PKCE verifier for an authId was never stored, expired, or already taken.
	ErrMissingVerifier = errors.New("authkit.missing_verifier")
	// ErrNoStoredState indicates the user has no persisted TokenRecord.
	ErrNoStoredState = errors.New("authkit.no_stored_state")
	// ErrMissingIDToken indicates the stored TokenRecord carries no id_token.
	ErrMissingIDToken = errors.New("authkit.missing_id_token")
	// ErrProviderExchange wraps a provider error payload returned for a code exchange.
	ErrProviderExchange = errors.New("authkit.provider_exchange")
	// ErrProviderRefresh wraps a provider error payload returned for a refresh.
	ErrProviderRefresh = errors.New("authkit.provider_refresh")
	// ErrLogoutForbidden indicates a logout request whose refresh token does not match the stored one.
	ErrLogoutForbidden = errors.New("authkit.logout_forbidden")
	// ErrEmptyUserIdentity indicates a blank user identity.
	ErrEmptyUserIdentity = errors.New("authkit.empty_user_identity")
)

// IsRestartRequired reports whether err means the user has to begin authorization again.
func IsRestartRequired(err error) bool {
	return errors.Is(err, ErrUnknownState) || errors.Is(err, ErrMissingVerifier) || errors.Is(err, errEmptyAuthorizationCode)
}

// IsUnauthenticated reports whether err means the user has no usable stored session.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrNoStoredState) || errors.Is(err, ErrMissingIDToken)
}
