package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackChannel posts breaker alerts and digests to a single Slack channel
// via the Block Kit API, with plain-text fallback for notification
// previews.
type SlackChannel struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackChannel creates a SlackChannel. If botToken is empty, the
// channel is disabled (IsEnabled reports false) and every Post* call is a
// logged no-op rather than an error.
func NewSlackChannel(botToken, channel string, logger *slog.Logger) *SlackChannel {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackChannel{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this channel has a live Slack client and a
// destination channel configured.
func (c *SlackChannel) IsEnabled() bool {
	return c.client != nil && c.channel != ""
}

func (c *SlackChannel) Name() string { return "slack" }

func priorityEmoji(p Priority) string {
	switch p {
	case PriorityP0:
		return "🔴"
	case PriorityP1:
		return "🟠"
	default:
		return "🔵"
	}
}

// PostBreakerAlert posts a breaker trip/reset/P0-rate notification.
func (c *SlackChannel) PostBreakerAlert(ctx context.Context, alert BreakerAlert) error {
	if !c.IsEnabled() {
		c.logger.Debug("slack channel disabled, skipping breaker alert", "feature_key", alert.FeatureKey, "event_type", alert.EventType)
		return nil
	}

	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s %s: %s", priorityEmoji(alert.Priority), alert.Priority, alert.EventType), true, false),
	)

	var fields []*goslack.TextBlockObject
	fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Feature:* %s", alert.FeatureKey), false, false))
	if alert.ViolatedResource != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Resource:* %s", alert.ViolatedResource), false, false))
	}
	if alert.CurrentValue != nil && alert.BudgetLimit != nil {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
			fmt.Sprintf("*Value:* %.4f / %.4f", *alert.CurrentValue, *alert.BudgetLimit), false, false))
	}

	blocks := []goslack.Block{header, goslack.NewSectionBlock(nil, fields, nil)}
	if alert.Reason != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, alert.Reason, false, false), nil, nil))
	}

	fallback := fmt.Sprintf("%s %s %s: %s", priorityEmoji(alert.Priority), alert.Priority, alert.FeatureKey, alert.EventType)
	_, _, err := c.client.PostMessageContext(ctx, c.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fallback, false),
	)
	if err != nil {
		return fmt.Errorf("notify: posting slack breaker alert: %w", err)
	}
	return nil
}

// PostDigest posts a P1/P2 aggregate digest.
func (c *SlackChannel) PostDigest(ctx context.Context, digest DigestAlert) error {
	if !c.IsEnabled() {
		c.logger.Debug("slack channel disabled, skipping digest", "period", digest.Period)
		return nil
	}

	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s %s error digest", priorityEmoji(digest.Priority), digest.Period), true, false),
	)

	lines := fmt.Sprintf("*Window:* %s — %s\n*Distinct error types:* %d\n",
		digest.WindowStart.Format("15:04"), digest.WindowEnd.Format("15:04"), digest.DistinctTypes)
	for i, e := range digest.Entries {
		if i >= 10 {
			lines += fmt.Sprintf("\n_…and %d more_", len(digest.Entries)-10)
			break
		}
		lines += fmt.Sprintf("\n• `%s` / %s — %d", e.FeatureKey, e.Category, e.Count)
	}

	blocks := []goslack.Block{
		header,
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, lines, false, false), nil, nil),
	}

	_, _, err := c.client.PostMessageContext(ctx, c.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("%s error digest", digest.Period), false),
	)
	if err != nil {
		return fmt.Errorf("notify: posting slack digest: %w", err)
	}
	return nil
}
