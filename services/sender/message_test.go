package sender

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/services/campaign"
	"smallbiznis-messaging/services/testutil"
)

type fakeShortener struct {
	ShortenFn     func(ctx context.Context, target string, scope LinkScope) (string, error)
	ShortenURLsFn func(ctx context.Context, text string, scope LinkScope) (string, error)
}

func (s *fakeShortener) Shorten(ctx context.Context, target string, scope LinkScope) (string, error) {
	return s.ShortenFn(ctx, target, scope)
}

func (s *fakeShortener) ShortenURLs(ctx context.Context, text string, scope LinkScope) (string, error) {
	return s.ShortenURLsFn(ctx, text, scope)
}

func (s *fakeShortener) Resolve(ctx context.Context, code string) (string, error) {
	return "", errors.New("not implemented")
}

func linksConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Links.BaseURL = "https://sbz.link/"
	cfg.Links.UnsubscribeSecret = "s3cret"
	return cfg
}

func TestPersonalize(t *testing.T) {
	fields := map[string]string{"firstname": "Eleni", "lastname": "Pappas", "discountcode": "SPRING20"}

	require.Equal(t, "Hi Eleni Pappas, use SPRING20", Personalize("Hi {{first_name}} {{ last_name }}, use {{discount_code}}", fields))
	require.Equal(t, "Hi Eleni", Personalize("Hi {{firstName}}", fields))
	require.Equal(t, "Hi {{nickname}}", Personalize("Hi {{nickname}}", fields))
	require.Equal(t, "no placeholders", Personalize("no placeholders", fields))
}

func TestBuilderAppendsUnsubscribeLink(t *testing.T) {
	signer := NewUnsubscribeSigner(linksConfig())
	b := NewBuilder(nil, signer)

	contactID := "ct-1"
	c := &campaign.Campaign{ID: "cmp-1", ShopID: "shop-1", Message: "Hi {{first_name}}"}
	r := campaign.CampaignRecipient{ID: "rcp-1", ContactID: &contactID, Phone: "+301"}
	contact := &campaign.Contact{ID: contactID, FirstName: "Nikos"}

	text := b.Build(context.Background(), c, r, contact)

	body, link, ok := strings.Cut(text, "\n\nUnsubscribe: ")
	require.True(t, ok)
	require.Equal(t, "Hi Nikos", body)
	require.True(t, strings.HasPrefix(link, "https://sbz.link/unsubscribe/"))

	claims, err := signer.Verify(strings.TrimPrefix(link, "https://sbz.link/unsubscribe/"))
	require.NoError(t, err)
	require.Equal(t, "ct-1", claims.ContactID)
	require.Equal(t, "shop-1", claims.ShopID)
	require.Equal(t, "+301", claims.Phone)
}

func TestBuilderKeepsTextWhenShortenerFails(t *testing.T) {
	shortener := &fakeShortener{
		ShortenFn: func(ctx context.Context, target string, scope LinkScope) (string, error) {
			return "", errors.New("shortener down")
		},
		ShortenURLsFn: func(ctx context.Context, text string, scope LinkScope) (string, error) {
			return text, errors.New("shortener down")
		},
	}
	b := NewBuilder(shortener, NewUnsubscribeSigner(linksConfig()))

	c := &campaign.Campaign{ID: "cmp-1", ShopID: "shop-1", Message: "Sale at https://shop.example/sale"}
	text := b.Build(context.Background(), c, campaign.CampaignRecipient{ID: "rcp-1", Phone: "+301"}, nil)

	require.True(t, strings.HasPrefix(text, "Sale at https://shop.example/sale\n\nUnsubscribe: https://sbz.link/unsubscribe/"))
}

func TestBuilderWithoutExtras(t *testing.T) {
	b := NewBuilder(nil, nil)
	c := &campaign.Campaign{ID: "cmp-1", Message: "  Code {{discount_code}}  ", DiscountCode: "X1"}

	require.Equal(t, "Code X1", b.Build(context.Background(), c, campaign.CampaignRecipient{ID: "rcp-1"}, nil))
}

func TestUnsubscribeToken(t *testing.T) {
	signer := NewUnsubscribeSigner(linksConfig())
	token, err := signer.Token(UnsubscribeClaims{ShopID: "shop-1", Phone: "+301"})
	require.NoError(t, err)

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "+301", claims.Phone)

	t.Run("tampered", func(t *testing.T) {
		payload, sig, _ := strings.Cut(token, ".")
		_, err := signer.Verify(payload + "x." + sig)
		require.ErrorIs(t, err, ErrInvalidUnsubscribeToken)

		_, err = signer.Verify("garbage")
		require.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
	})

	t.Run("other_secret", func(t *testing.T) {
		cfg := linksConfig()
		cfg.Links.UnsubscribeSecret = "another"
		_, err := NewUnsubscribeSigner(cfg).Verify(token)
		require.ErrorIs(t, err, ErrInvalidUnsubscribeToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewUnsubscribeSigner(linksConfig())
		later.now = func() time.Time { return time.Now().Add(UnsubscribeTokenMaxAge + time.Hour) }
		_, err := later.Verify(token)
		require.ErrorIs(t, err, ErrExpiredUnsubscribeToken)
	})

	t.Run("disabled_without_secret", func(t *testing.T) {
		require.Nil(t, NewUnsubscribeSigner(&config.Config{}))
	})
}

func TestLinkShortener(t *testing.T) {
	db := testutil.NewTestDB(t, &ShortLink{})
	ctx := context.Background()
	s := NewLinkShortener(db, linksConfig())
	scope := LinkScope{ShopID: "shop-1", CampaignID: "cmp-1"}

	first, err := s.Shorten(ctx, "https://shop.example/sale", scope)
	require.NoError(t, err)
	require.Regexp(t, `^https://sbz\.link/r/[0-9a-f]{10}$`, first)

	again, err := s.Shorten(ctx, "https://shop.example/sale", scope)
	require.NoError(t, err)
	require.Equal(t, first, again)

	other, err := s.Shorten(ctx, "https://shop.example/sale", LinkScope{ShopID: "shop-2"})
	require.NoError(t, err)
	require.NotEqual(t, first, other)

	text, err := s.ShortenURLs(ctx, "Shop now: https://shop.example/sale. Or "+first, scope)
	require.NoError(t, err)
	require.Equal(t, "Shop now: "+first+". Or "+first, text)

	var count int64
	require.NoError(t, db.Model(&ShortLink{}).Count(&count).Error)
	require.Equal(t, int64(2), count)

	// a fresh instance has an empty cache and reads through to the table
	fresh := NewLinkShortener(db, linksConfig())
	target, err := fresh.Resolve(ctx, strings.TrimPrefix(first, "https://sbz.link/r/"))
	require.NoError(t, err)
	require.Equal(t, "https://shop.example/sale", target)

	_, err = fresh.Resolve(ctx, "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.CodeOf(err))
}

func TestLinkShortenerDisabledWithoutBaseURL(t *testing.T) {
	db := testutil.NewTestDB(t, &ShortLink{})
	s := NewLinkShortener(db, &config.Config{})

	text, err := s.ShortenURLs(context.Background(), "see https://shop.example", LinkScope{ShopID: "shop-1"})
	require.NoError(t, err)
	require.Equal(t, "see https://shop.example", text)
}
