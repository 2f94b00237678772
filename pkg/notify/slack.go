package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// SlackChannel delivers notifications to a Slack channel as block messages.
type SlackChannel struct {
	api       *goslack.Client
	channelID string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewSlackChannel creates a Slack delivery channel.
func NewSlackChannel(token, channelID string) *SlackChannel {
	return newSlackChannel(goslack.New(token), channelID)
}

// NewSlackChannelWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackChannelWithAPIURL(token, channelID, apiURL string) *SlackChannel {
	return newSlackChannel(goslack.New(token, goslack.OptionAPIURL(apiURL)), channelID)
}

func newSlackChannel(api *goslack.Client, channelID string) *SlackChannel {
	return &SlackChannel{
		api:       api,
		channelID: channelID,
		timeout:   10 * time.Second,
		logger:    slog.Default().With("component", "notify-slack"),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, n domain.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	blocks := []goslack.Block{
		goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("[%s] %s", n.Severity, n.Subject), false, false)),
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, n.Body, false, false), nil, nil),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("event `%s` · plan `%s`", n.EventID, n.PlanID), false, false)),
	}

	_, _, err := c.api.PostMessageContext(ctx, c.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
