package sender

import (
	"errors"
	"net/http"

	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/services/campaign"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type linkHandler struct {
	db          *gorm.DB
	shortener   Shortener
	unsubscribe *UnsubscribeSigner
}

type RoutesParams struct {
	fx.In

	Router      gin.IRouter
	DB          *gorm.DB
	Shortener   Shortener
	Unsubscribe *UnsubscribeSigner `optional:"true"`
}

// RegisterRoutes mounts the short link redirect and the opt-out endpoint.
func RegisterRoutes(p RoutesParams) {
	h := &linkHandler{db: p.DB, shortener: p.Shortener, unsubscribe: p.Unsubscribe}
	p.Router.GET("/r/:code", h.redirect)
	p.Router.GET("/unsubscribe/:token", h.optOut)
}

func (h *linkHandler) redirect(c *gin.Context) {
	target, err := h.shortener.Resolve(c.Request.Context(), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (h *linkHandler) optOut(c *gin.Context) {
	if h.unsubscribe == nil {
		_ = c.Error(errutil.NotFound("unsubscribe is not enabled", nil))
		return
	}

	claims, err := h.unsubscribe.Verify(c.Param("token"))
	if err != nil {
		if errors.Is(err, ErrExpiredUnsubscribeToken) {
			_ = c.Error(errutil.New(errutil.StatusUnprocessableEntity, "unsubscribe link expired", errutil.WithErr(err)))
			return
		}
		_ = c.Error(errutil.BadRequest("invalid unsubscribe link", err))
		return
	}

	q := h.db.WithContext(c.Request.Context()).
		Model(&campaign.Contact{}).
		Where("shop_id = ?", claims.ShopID)
	if claims.ContactID != "" {
		q = q.Where("id = ?", claims.ContactID)
	} else {
		q = q.Where("phone = ?", claims.Phone)
	}

	res := q.Update("sms_consent", false)
	if res.Error != nil {
		zap.L().Error("failed to record opt-out", zap.String("shop_id", claims.ShopID), zap.Error(res.Error))
		_ = c.Error(res.Error)
		return
	}

	zap.L().Info("contact opted out",
		zap.String("shop_id", claims.ShopID),
		zap.String("contact_id", claims.ContactID),
		zap.Int64("rows", res.RowsAffected),
	)
	c.JSON(http.StatusOK, gin.H{"unsubscribed": true})
}
