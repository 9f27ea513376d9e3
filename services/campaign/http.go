package campaign

import (
	"net/http"

	"smallbiznis-messaging/pkg/db/pagination"
	"smallbiznis-messaging/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type enqueueBody struct {
	ShopID  string   `json:"shop_id" binding:"required"`
	Targets []Target `json:"targets"`
}

// RegisterRoutes mounts the campaign send endpoints.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.POST("/campaigns/:id/enqueue", svc.handleEnqueue)
	r.GET("/campaigns/:id", svc.handleProgress)
	r.GET("/campaigns/:id/recipients", svc.handleListRecipients)
}

func (s *Service) handleEnqueue(c *gin.Context) {
	var body enqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	ctx := c.Request.Context()
	targets := body.Targets
	if len(targets) == 0 {
		audience, err := s.ResolveAudience(ctx, body.ShopID)
		if err != nil {
			zap.L().Error("failed to resolve audience", zap.String("shop_id", body.ShopID), zap.Error(err))
			_ = c.Error(err)
			return
		}
		targets = audience
	}

	res, err := s.Enqueue(ctx, EnqueueRequest{
		CampaignID: c.Param("id"),
		ShopID:     body.ShopID,
		Targets:    targets,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, res)
}

func (s *Service) handleProgress(c *gin.Context) {
	res, err := s.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Service) handleListRecipients(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	res, err := ListRecipients(c.Request.Context(), s.db, c.Param("id"), RecipientStatus(c.Query("status")), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
