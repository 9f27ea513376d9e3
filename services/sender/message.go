package sender

import (
	"context"
	"regexp"
	"strings"

	"smallbiznis-messaging/services/campaign"

	"go.uber.org/zap"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// Personalize fills {{first_name}}, {{last_name}} and {{discount_code}}.
// Unknown placeholders are left as written.
func Personalize(template string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		key := strings.ToLower(strings.ReplaceAll(name, "_", ""))
		if v, ok := fields[key]; ok {
			return v
		}
		return m
	})
}

// Builder renders the final text of a campaign message for one recipient.
// Shortener and Unsubscribe are optional.
type Builder struct {
	shortener   Shortener
	unsubscribe *UnsubscribeSigner
}

func NewBuilder(shortener Shortener, unsubscribe *UnsubscribeSigner) *Builder {
	return &Builder{shortener: shortener, unsubscribe: unsubscribe}
}

// Build never fails: link shortening and the opt-out footer are best effort.
func (b *Builder) Build(ctx context.Context, c *campaign.Campaign, r campaign.CampaignRecipient, contact *campaign.Contact) string {
	fields := map[string]string{
		"firstname":    "",
		"lastname":     "",
		"discountcode": c.DiscountCode,
	}
	if contact != nil {
		fields["firstname"] = contact.FirstName
		fields["lastname"] = contact.LastName
	}
	text := strings.TrimSpace(Personalize(c.Message, fields))

	scope := LinkScope{ShopID: c.ShopID, CampaignID: c.ID}
	if r.ContactID != nil {
		scope.ContactID = *r.ContactID
	}

	zapLog := zap.L().With(
		zap.String("campaign_id", c.ID),
		zap.String("recipient_id", r.ID),
	)

	if b.shortener != nil {
		short, err := b.shortener.ShortenURLs(ctx, text, scope)
		if err != nil {
			zapLog.Warn("failed to shorten links, sending originals", zap.Error(err))
		} else {
			text = short
		}
	}

	if b.unsubscribe != nil {
		link, err := b.unsubscribe.URL(UnsubscribeClaims{
			ContactID: scope.ContactID,
			ShopID:    c.ShopID,
			Phone:     r.Phone,
		})
		if err != nil {
			zapLog.Warn("failed to build unsubscribe link", zap.Error(err))
			return text
		}
		if b.shortener != nil {
			if short, err := b.shortener.Shorten(ctx, link, scope); err == nil {
				link = short
			}
		}
		text += "\n\nUnsubscribe: " + link
	}

	return text
}
