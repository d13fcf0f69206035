package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot/models"
	"github.com/tyemirov/vkcalls/internal/authkit"
	"github.com/tyemirov/vkcalls/internal/vk"
	"go.uber.org/zap"
)

// WebhookPath is where Telegram delivers bot updates.
const WebhookPath = "/api/bot"

const (
	callsStartMethod = "calls.start"
	startCommand     = "/start"
	logoutCommand    = "/logout"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

var (
	errMissingClient        = errors.New("telegram.missing_client")
	errMissingFlow          = errors.New("telegram.missing_flow")
	errMissingGateway       = errors.New("telegram.missing_gateway")
	errMissingWebhookSecret = errors.New("telegram.missing_webhook_secret")
)

// SessionFlow mints authorization links and ends sessions for bot users.
type SessionFlow interface {
	IssueAuthorizationURL(ctx context.Context, userIdentity string, variant authkit.FlowVariant) (string, error)
	Logout(ctx context.Context, userIdentity string) error
}

// TokenReader reads single fields of a stored TokenRecord.
type TokenReader interface {
	Get(ctx context.Context, userIdentity string, field string) (string, bool, error)
}

// CallGateway performs VK API calls on behalf of a user.
type CallGateway interface {
	Call(ctx context.Context, userIdentity string, method string, params url.Values) (*vk.Response, error)
}

// BotAPI is the subset of Client the webhook uses.
type BotAPI interface {
	SendMessage(ctx context.Context, chatID string, text string) error
	AnswerInlineQuery(ctx context.Context, queryID string, results []models.InlineQueryResult, button *models.InlineQueryResultsButton) error
}

// Webhook turns bot updates into authorization links and calls.start requests.
type Webhook struct {
	bot         BotAPI
	flow        SessionFlow
	tokens      TokenReader
	gateway     CallGateway
	secretToken []byte
	logger      *zap.Logger
}

// NewWebhook wires a Webhook. Updates are accepted only when they carry
// secretToken in SecretTokenHeader.
func NewWebhook(bot BotAPI, flow SessionFlow, tokens TokenReader, gateway CallGateway, secretToken string, logger *zap.Logger) (*Webhook, error) {
	if bot == nil {
		return nil, errMissingClient
	}
	if flow == nil || tokens == nil {
		return nil, errMissingFlow
	}
	if gateway == nil {
		return nil, errMissingGateway
	}
	if secretToken == "" {
		return nil, errMissingWebhookSecret
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		bot:         bot,
		flow:        flow,
		tokens:      tokens,
		gateway:     gateway,
		secretToken: []byte(secretToken),
		logger:      logger,
	}, nil
}

// Mount registers the webhook route.
func (webhook *Webhook) Mount(router gin.IRouter) {
	router.POST(WebhookPath, webhook.requireSecretToken, webhook.handleUpdate)
}

func (webhook *Webhook) requireSecretToken(contextGin *gin.Context) {
	presented := contextGin.GetHeader(SecretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(presented), webhook.secretToken) != 1 {
		webhook.logger.Warn("webhook update rejected",
			zap.String("code", "telegram.webhook.bad_secret"),
			zap.String("ip", contextGin.ClientIP()),
		)
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	contextGin.Next()
}

func (webhook *Webhook) handleUpdate(contextGin *gin.Context) {
	var inbound models.Update
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	requestContext := contextGin.Request.Context()
	switch {
	case inbound.Message != nil && isCommand(inbound.Message.Text, startCommand):
		webhook.handleStart(requestContext, strconv.FormatInt(inbound.Message.Chat.ID, 10))
	case inbound.Message != nil && isCommand(inbound.Message.Text, logoutCommand):
		webhook.handleLogout(requestContext, strconv.FormatInt(inbound.Message.Chat.ID, 10))
	case inbound.InlineQuery != nil && inbound.InlineQuery.From != nil:
		webhook.handleInlineQuery(requestContext, inbound.InlineQuery)
	}
	contextGin.Status(http.StatusOK)
}

func (webhook *Webhook) handleStart(ctx context.Context, chatID string) {
	webhook.logger.Info("start command received",
		zap.String("code", "telegram.start"),
		zap.String("chat_id", chatID),
	)
	link, err := webhook.flow.IssueAuthorizationURL(ctx, chatID, authkit.VariantTelegram)
	if err != nil {
		webhook.logger.Error("failed to issue authorization url",
			zap.String("code", "telegram.start.issue_failed"),
			zap.Error(err),
		)
		webhook.sendMessage(ctx, chatID, errorMessage("please try again later"))
		return
	}
	webhook.sendMessage(ctx, chatID, authorizationLinkMessage(link))
}

func (webhook *Webhook) handleLogout(ctx context.Context, chatID string) {
	if err := webhook.flow.Logout(ctx, chatID); err != nil {
		webhook.logger.Error("failed to clear session",
			zap.String("code", "telegram.logout.failed"),
			zap.Error(err),
		)
		webhook.sendMessage(ctx, chatID, errorMessage("please try again later"))
		return
	}
	webhook.sendMessage(ctx, chatID, signedOutMessage)
}

func (webhook *Webhook) handleInlineQuery(ctx context.Context, query *models.InlineQuery) {
	userIdentity := strconv.FormatInt(query.From.ID, 10)
	accessToken, found, err := webhook.tokens.Get(ctx, userIdentity, authkit.FieldAccessToken)
	if err != nil || !found || accessToken == "" {
		webhook.answer(ctx, query.ID, nil, &models.InlineQueryResultsButton{Text: authorizeButtonText, StartParameter: authorizeStartParam})
		return
	}
	providerUserID, _, _ := webhook.tokens.Get(ctx, userIdentity, authkit.FieldProviderUserID)

	name := strings.TrimSpace(query.Query)
	if name == "" {
		name = defaultCallName
	}
	params := url.Values{"name": {name}}
	if providerUserID != "" {
		params.Set("user_id", providerUserID)
	}

	response, err := webhook.gateway.Call(ctx, userIdentity, callsStartMethod, params)
	if err != nil {
		webhook.logger.Error("calls.start failed",
			zap.String("code", "telegram.inline.call_failed"),
			zap.Error(err),
		)
		webhook.answer(ctx, query.ID, nil, nil)
		return
	}
	if response.Err != nil {
		webhook.answer(ctx, query.ID, []models.InlineQueryResult{&models.InlineQueryResultArticle{
			ID:                  "1",
			Title:               errorTitle,
			InputMessageContent: &models.InputTextMessageContent{MessageText: errorMessage(response.Err.Message)},
		}}, nil)
		return
	}

	result := response.Result()
	joinLink := result.Get("join_link").String()
	resultID := result.Get("call_id").String()
	if resultID == "" {
		resultID = "1"
	}
	webhook.answer(ctx, query.ID, []models.InlineQueryResult{&models.InlineQueryResultArticle{
		ID:                  resultID,
		Title:               createCallTitle,
		Description:         strconv.Quote(name),
		InputMessageContent: &models.InputTextMessageContent{MessageText: callMessage(name, joinLink)},
		ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: joinButtonText, URL: joinLink}},
		}},
	}}, nil)
}

func (webhook *Webhook) sendMessage(ctx context.Context, chatID string, text string) {
	if err := webhook.bot.SendMessage(ctx, chatID, text); err != nil {
		webhook.logger.Error("failed to send telegram message",
			zap.String("code", "telegram.send_failed"),
			zap.Error(err),
		)
	}
}

func (webhook *Webhook) answer(ctx context.Context, queryID string, results []models.InlineQueryResult, button *models.InlineQueryResultsButton) {
	if err := webhook.bot.AnswerInlineQuery(ctx, queryID, results, button); err != nil {
		webhook.logger.Error("failed to answer inline query",
			zap.String("code", "telegram.answer_failed"),
			zap.Error(err),
		)
	}
}

// isCommand matches "/name", "/name payload" and "/name@botname".
func isCommand(text string, name string) bool {
	command, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	command, _, _ = strings.Cut(command, "@")
	return command == name
}
