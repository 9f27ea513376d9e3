package reconcile

import (
	"context"
	"fmt"
	"net/http"

	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/services/jobs"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var p jobs.ReconcilePayload
	if err := jobs.Decode(t, &p); err != nil {
		zap.L().Error("invalid reconcile task", zap.Error(err))
		return err
	}

	if p.CampaignID == "" {
		_, err := s.Sweep(ctx)
		return err
	}

	_, err := s.ReconcileCampaign(ctx, p.CampaignID)
	if errutil.HasCode(err, errutil.StatusNotFound) || errutil.HasCode(err, errutil.StatusInvalidStatus) {
		return fmt.Errorf("reconcile %s: %v: %w", p.CampaignID, err, asynq.SkipRetry)
	}
	return err
}

// RegisterRoutes mounts the manual reconcile endpoint.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.POST("/campaigns/:id/reconcile", svc.handleReconcile)
}

func (s *Service) handleReconcile(c *gin.Context) {
	res, err := s.ReconcileCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
