// Package vk talks to VK ID (authorization, token and public info endpoints)
// and to the VK API. Every response is classified at this boundary into a
// decoded payload or a *Error, so callers never inspect raw payload shapes.
package vk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// TokenExpiredMessage is the fragment VK puts into error_msg when the access token has expired.
const TokenExpiredMessage = "access_token has expired."

// ErrTransport marks network, timeout and decoding failures. These never
// trigger a token refresh.
var ErrTransport = errors.New("vk.transport")

// Error is an error payload returned by VK ID or the VK API.
type Error struct {
	Code    int64
	Subcode int64
	Message string
	Text    string
}

func (vkErr *Error) Error() string {
	if vkErr == nil {
		return "vk.error"
	}
	if vkErr.Code != 0 {
		return fmt.Sprintf("vk.error(%d): %s", vkErr.Code, vkErr.Message)
	}
	return "vk.error: " + vkErr.Message
}

// IsTokenExpired reports whether the payload signals an expired access token.
func (vkErr *Error) IsTokenExpired() bool {
	return vkErr != nil && strings.Contains(vkErr.Message, TokenExpiredMessage)
}

func transportError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, operation, err)
}

// classify inspects body for an error payload. VK API and the legacy ID
// endpoints return {"error":{"error_code":…,"error_msg":…}}; the OAuth 2.1
// endpoints return {"error":"invalid_grant","error_description":"…"}.
func classify(body []byte) (*Error, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	errorField := gjson.GetBytes(body, "error")
	if !errorField.Exists() || errorField.Type == gjson.Null {
		return nil, nil
	}
	if errorField.IsObject() {
		return &Error{
			Code:    errorField.Get("error_code").Int(),
			Subcode: errorField.Get("error_subcode").Int(),
			Message: errorField.Get("error_msg").String(),
			Text:    errorField.Get("error_text").String(),
		}, nil
	}
	code := errorField.String()
	message := gjson.GetBytes(body, "error_description").String()
	if message == "" {
		message = code
	}
	return &Error{Message: message, Text: code}, nil
}
