package sender

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"smallbiznis-messaging/pkg/config"
	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/services/idempotency"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	linkCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_link_cache_hits_total"})
	linkCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "sms_link_cache_miss_total"})
)

const shortCodeLen = 10

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// ShortLink maps a short code to the URL it redirects to.
type ShortLink struct {
	Code       string     `gorm:"column:code;primaryKey;type:varchar(16)"`
	ShopID     string     `gorm:"column:shop_id;index;not null"`
	CampaignID string     `gorm:"column:campaign_id;index"`
	ContactID  string     `gorm:"column:contact_id"`
	TargetURL  string     `gorm:"column:target_url;type:text;not null"`
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (ShortLink) TableName() string { return "short_links" }

// LinkScope attributes a short link to the send it belongs to.
type LinkScope struct {
	ShopID     string
	CampaignID string
	ContactID  string
}

type Shortener interface {
	Shorten(ctx context.Context, target string, scope LinkScope) (string, error)
	ShortenURLs(ctx context.Context, text string, scope LinkScope) (string, error)
	Resolve(ctx context.Context, code string) (string, error)
}

// LinkShortener stores links in the database. The code is derived from the
// scope and target, so shortening the same link twice yields the same code.
type LinkShortener struct {
	db      *gorm.DB
	baseURL string
	cache   *linkCache
}

func NewLinkShortener(db *gorm.DB, cfg *config.Config) *LinkShortener {
	return &LinkShortener{
		db:      db,
		baseURL: strings.TrimRight(cfg.Links.BaseURL, "/"),
		cache:   newLinkCache(time.Hour),
	}
}

func provideShortener(s *LinkShortener) Shortener {
	return s
}

func (s *LinkShortener) Shorten(ctx context.Context, target string, scope LinkScope) (string, error) {
	if s.baseURL == "" {
		return target, nil
	}
	code := idempotency.Hash(scope.ShopID, scope.CampaignID, scope.ContactID, target)[:shortCodeLen]
	if _, ok := s.cache.Get(code); ok {
		return s.shortURL(code), nil
	}

	_, err, _ := s.cache.group.Do(code, func() (interface{}, error) {
		link := ShortLink{
			Code:       code,
			ShopID:     scope.ShopID,
			CampaignID: scope.CampaignID,
			ContactID:  scope.ContactID,
			TargetURL:  target,
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return nil, err
		}
		s.cache.Set(code, target)
		return target, nil
	})
	if err != nil {
		return "", err
	}
	return s.shortURL(code), nil
}

// ShortenURLs replaces every http(s) URL in text with its short form. Links
// already pointing at the shortener are left alone.
func (s *LinkShortener) ShortenURLs(ctx context.Context, text string, scope LinkScope) (string, error) {
	if s.baseURL == "" {
		return text, nil
	}

	var out strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		target := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?)")
		end := loc[0] + len(target)

		out.WriteString(text[last:loc[0]])
		if strings.HasPrefix(target, s.baseURL) {
			out.WriteString(target)
		} else {
			short, err := s.Shorten(ctx, target, scope)
			if err != nil {
				return text, err
			}
			out.WriteString(short)
		}
		last = end
	}
	out.WriteString(text[last:])
	return out.String(), nil
}

func (s *LinkShortener) Resolve(ctx context.Context, code string) (string, error) {
	if target, ok := s.cache.Get(code); ok {
		return target, nil
	}

	v, err, _ := s.cache.group.Do("resolve:"+code, func() (interface{}, error) {
		var link ShortLink
		if err := s.db.WithContext(ctx).Where("code = ?", code).First(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errutil.NotFound("link not found", err)
			}
			return nil, err
		}
		if link.ExpiresAt != nil && time.Now().After(*link.ExpiresAt) {
			return nil, errutil.NotFound("link expired", nil)
		}
		s.cache.Set(code, link.TargetURL)
		return link.TargetURL, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *LinkShortener) shortURL(code string) string {
	return s.baseURL + "/r/" + code
}

type cachedLink struct {
	target   string
	cachedAt time.Time
}

// linkCache is a thread-safe code to target map with a ttl.
type linkCache struct {
	mu    sync.RWMutex
	items map[string]cachedLink
	ttl   time.Duration
	group singleflight.Group
}

func newLinkCache(ttl time.Duration) *linkCache {
	return &linkCache{
		items: make(map[string]cachedLink),
		ttl:   ttl,
	}
}

func (c *linkCache) Get(code string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[code]
	if !ok || (c.ttl > 0 && time.Since(v.cachedAt) > c.ttl) {
		linkCacheMiss.Inc()
		return "", false
	}
	linkCacheHits.Inc()
	return v.target, true
}

func (c *linkCache) Set(code, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[code] = cachedLink{target: target, cachedAt: time.Now()}
}
