// Package telegram contains the Bot API client used to talk to users and the
// webhook that turns bot updates into authorization links and VK calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/tyemirov/vkcalls/internal/vk"
	"go.uber.org/zap"
)

// DefaultAPIURL is the Bot API root.
const DefaultAPIURL = "https://api.telegram.org"

var (
	errMissingBotToken   = errors.New("telegram.missing_bot_token")
	errMissingHTTPClient = errors.New("telegram.missing_http_client")
)

// Client calls the Telegram Bot API through go-telegram/bot.
type Client struct {
	token  string
	bot    *bot.Bot
	logger *zap.Logger
}

// NewClient builds a Bot API client on top of httpClient. An empty baseURL
// selects DefaultAPIURL. No request is made until a method is called.
func NewClient(token string, baseURL string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errMissingBotToken
	}
	if httpClient == nil {
		return nil, errMissingHTTPClient
	}
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	botAPI, err := bot.New(token,
		bot.WithServerURL(strings.TrimRight(baseURL, "/")),
		bot.WithHTTPClient(httpClient.Timeout, httpClient),
		bot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("telegram.init: %w", redactToken(err, token))
	}
	return &Client{token: token, bot: botAPI, logger: logger}, nil
}

// SendMessage sends a plain text message to chatID.
func (client *Client) SendMessage(ctx context.Context, chatID string, text string) error {
	if _, err := client.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		return fmt.Errorf("telegram.sendMessage: %w", redactToken(err, client.token))
	}
	return nil
}

// AnswerInlineQuery answers an inline query. Results are never cached.
func (client *Client) AnswerInlineQuery(ctx context.Context, queryID string, results []models.InlineQueryResult, button *models.InlineQueryResultsButton) error {
	if results == nil {
		results = []models.InlineQueryResult{}
	}
	_, err := client.bot.AnswerInlineQuery(ctx, &bot.AnswerInlineQueryParams{
		InlineQueryID: queryID,
		Results:       results,
		CacheTime:     0,
		Button:        button,
	})
	if err != nil {
		return fmt.Errorf("telegram.answerInlineQuery: %w", redactToken(err, client.token))
	}
	return nil
}

// RegisterWebhook points the bot at webhookURL. Telegram echoes secretToken in
// the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (client *Client) RegisterWebhook(ctx context.Context, webhookURL string, secretToken string) error {
	_, err := client.bot.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:            webhookURL,
		SecretToken:    secretToken,
		AllowedUpdates: []string{"message", "inline_query"},
	})
	if err != nil {
		return fmt.Errorf("telegram.setWebhook: %w", redactToken(err, client.token))
	}
	client.logger.Info("telegram webhook registered",
		zap.String("code", "telegram.webhook.registered"),
		zap.String("url", webhookURL),
	)
	return nil
}

// NotifyAuthorized tells the user which VK account the bot is now linked to.
func (client *Client) NotifyAuthorized(ctx context.Context, userIdentity string, profile *vk.Profile) error {
	name := "VK user"
	if profile != nil && profile.DisplayName() != "" {
		name = profile.DisplayName()
	}
	return client.SendMessage(ctx, userIdentity, authorizedMessage(name))
}

type redactedError struct {
	message string
	cause   error
}

func (err *redactedError) Error() string { return err.message }
func (err *redactedError) Unwrap() error { return err.cause }

// redactToken keeps the bot token, which is part of every request URL, out of error text.
func redactToken(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{message: strings.ReplaceAll(err.Error(), token, "<redacted>"), cause: err}
}
