package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"settlement/internal/capacity"
	"settlement/internal/config"
	"settlement/internal/deadletter"
	"settlement/internal/middleware"
	"settlement/internal/model"
	"settlement/internal/settlement"
	"settlement/internal/webhook"
	redisx "settlement/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxWebhookBody 支付方事件体上限。
const maxWebhookBody = 1 << 20

// checkoutIdemTTL 结账幂等键保留时间，覆盖客户端重试窗口。
const checkoutIdemTTL = 24 * time.Hour

// EventHandler 处理带签名的原始事件，settlement.Processor 实现该接口。
type EventHandler interface {
	Handle(ctx context.Context, src settlement.Source, payload []byte, signature string) settlement.Result
}

// NotificationCanceller 作废订单未送达的通知，notify.Dispatcher 实现该接口。
type NotificationCanceller interface {
	CancelOrder(ctx context.Context, orderID string) (int64, error)
}

// Deps 路由依赖。
type Deps struct {
	DB        *gorm.DB
	Redis     *rd.Client
	Processor EventHandler
	Ledger    *capacity.Ledger
	Cache     *redisx.AvailabilityCache
	Sink      *deadletter.Sink
	Notifier  NotificationCanceller
	Config    config.AppConfig
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 支付方回调
	r.POST("/webhooks/payments", paymentWebhook(d.Processor))

	// 公开接口
	r.POST("/api/checkout", checkout(d.DB, d.Redis, d.Ledger))
	r.GET("/api/orders/:order_id", getOrder(d.DB))
	r.GET("/api/capacity/:resource_id/availability",
		middleware.RedisRateLimit(d.Redis, "availability", d.Config.QueryRateLimit, d.Config.QueryRateWindow),
		getAvailability(d.DB, d.Ledger, d.Cache))

	// 管理接口
	admin := r.Group("/api/admin", middleware.AdminToken(d.Config.AdminToken))
	admin.POST("/capacity", createCapacity(d.DB, d.Ledger))
	admin.POST("/capacity/:resource_id/preload", preloadAvailability(d.DB, d.Ledger, d.Cache))
	admin.GET("/dead_letters", listDeadLetters(d.Sink))
	admin.POST("/dead_letters/:id/resend", resendDeadLetter(d.Sink))
	admin.POST("/orders/:order_id/notifications/cancel", cancelNotifications(d.DB, d.Notifier))
}

// paymentWebhook 支付方事件入口。
// 响应码约定：200 已处理（含重复、过期、忽略、容量冲突），400 非法事件不重试，500 让支付方重投。
func paymentWebhook(h EventHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "read body failed: " + err.Error()})
			return
		}

		res := h.Handle(c.Request.Context(), settlement.SourceHTTP, body, c.GetHeader(webhook.SignatureHeader))
		status := res.Outcome.HTTPStatus()
		switch res.Outcome {
		case settlement.InvalidEvent:
			c.JSON(status, gin.H{"code": 400, "msg": res.Err.Error()})
		case settlement.Failed:
			// 不向外暴露内部错误细节
			c.JSON(status, gin.H{"code": 500, "msg": "temporary failure, retry later"})
		default:
			c.JSON(status, gin.H{
				"code": 0,
				"data": gin.H{
					"event_id": res.EventID,
					"order_id": res.OrderID,
					"outcome":  res.Outcome.String(),
				},
			})
		}
	}
}

// checkout 创建 pending 订单，返回的 order_id 由前端写入支付会话的 client_reference_id。
// 关键流程：
// 1. 参数校验
// 2. 可选 Idempotency-Key：Redis 绑定 (customer, key) -> order_id，重复提交直接返回原订单
// 3. 挂容量资源时做一次软校验（真正的预占在结算事务内）
// 4. 落 pending 订单
func checkout(db *gorm.DB, rdb *rd.Client, ledger *capacity.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			CustomerRef        string `json:"customer_ref" binding:"required"`
			Kind               string `json:"kind"`
			Amount             int64  `json:"amount" binding:"min=0"`
			CapacityResourceID string `json:"capacity_resource_id"`
			Quantity           int    `json:"quantity" binding:"omitempty,min=1"`
			ExternalReference  string `json:"external_reference"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.Quantity <= 0 {
			req.Quantity = 1
		}
		if strings.TrimSpace(req.Kind) == "" {
			req.Kind = "default"
		}

		ctx := c.Request.Context()
		orderID := uuid.New().String()

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		if idemKey != "" {
			existing, claimed, err := redisx.ClaimCheckout(ctx, rdb, req.CustomerRef, idemKey, orderID, checkoutIdemTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
				return
			}
			if !claimed {
				var o model.Order
				if err := db.WithContext(ctx).Where("id = ?", existing).First(&o).Error; err != nil {
					c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "checkout in progress, retry later"})
					return
				}
				c.JSON(http.StatusOK, gin.H{"code": 0, "data": checkoutView(&o)})
				return
			}
		}
		release := func() {
			if idemKey != "" {
				_ = redisx.ReleaseCheckoutIfMatch(context.WithoutCancel(ctx), rdb, req.CustomerRef, idemKey, orderID)
			}
		}

		order := &model.Order{
			ID:                orderID,
			ExternalReference: req.ExternalReference,
			Kind:              req.Kind,
			CustomerRef:       req.CustomerRef,
			Amount:            req.Amount,
			Status:            model.OrderPending,
			Quantity:          req.Quantity,
		}
		if order.ExternalReference == "" {
			order.ExternalReference = "ref_" + orderID
		}

		if req.CapacityResourceID != "" {
			avail, err := ledger.Availability(ctx, db, req.CapacityResourceID)
			if err != nil {
				release()
				if errors.Is(err, capacity.ErrResourceNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "容量资源不存在"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
				return
			}
			if avail.Remaining < int64(req.Quantity) {
				release()
				c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "容量不足"})
				return
			}
			rid := req.CapacityResourceID
			order.CapacityResourceID = &rid
		}

		if err := db.WithContext(ctx).Create(order).Error; err != nil {
			release()
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "create order failed: " + err.Error()})
			return
		}

		logrus.WithFields(logrus.Fields{
			"orderID":    order.ID,
			"customer":   order.CustomerRef,
			"resourceID": req.CapacityResourceID,
		}).Info("CHECKOUT:CREATED")
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": checkoutView(order)})
	}
}

func checkoutView(o *model.Order) gin.H {
	return gin.H{
		"order_id":            o.ID,
		"client_reference_id": o.ID,
		"external_reference":  o.ExternalReference,
		"status":              o.Status,
	}
}

// getOrder 查询订单结算状态及通知投递情况。
func getOrder(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("order_id")
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order_id 必填"})
			return
		}

		var o model.Order
		err := db.WithContext(c.Request.Context()).Where("id = ?", id).First(&o).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		var attempts []model.NotificationAttempt
		err = db.WithContext(c.Request.Context()).
			Where("order_id = ?", id).
			Order("created_at ASC").
			Find(&attempts).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		notifications := make([]gin.H, 0, len(attempts))
		for _, a := range attempts {
			notifications = append(notifications, gin.H{
				"channel":   a.Channel,
				"recipient": a.Recipient,
				"template":  a.Template,
				"tier":      a.Tier,
				"status":    a.Status,
				"attempts":  a.AttemptCount,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order":         o,
				"notifications": notifications,
			},
		})
	}
}

// getAvailability 读缓存，未命中回源数据库并回填。
func getAvailability(db *gorm.DB, ledger *capacity.Ledger, cache *redisx.AvailabilityCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("resource_id")
		ctx := c.Request.Context()

		if cache != nil {
			snap, found, err := cache.Get(ctx, id)
			if err != nil {
				logrus.WithError(err).WithField("resourceID", id).Warn("CACHE:READ_FAILED")
			}
			if found {
				c.JSON(http.StatusOK, gin.H{"code": 0, "data": availabilityView(snap, true)})
				return
			}
		}

		snap, ok := loadAvailability(c, db, ledger, id)
		if !ok {
			return
		}
		if cache != nil {
			if err := cache.Put(ctx, snap); err != nil {
				logrus.WithError(err).WithField("resourceID", id).Warn("CACHE:WRITE_FAILED")
			}
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": availabilityView(snap, false)})
	}
}

func loadAvailability(c *gin.Context, db *gorm.DB, ledger *capacity.Ledger, id string) (redisx.AvailabilitySnapshot, bool) {
	avail, err := ledger.Availability(c.Request.Context(), db, id)
	if err != nil {
		if errors.Is(err, capacity.ErrResourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "容量资源不存在"})
			return redisx.AvailabilitySnapshot{}, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		return redisx.AvailabilitySnapshot{}, false
	}
	return redisx.AvailabilitySnapshot{
		ResourceID: avail.ResourceID,
		Total:      avail.Total,
		Reserved:   avail.Reserved,
		Remaining:  avail.Remaining,
	}, true
}

func availabilityView(s redisx.AvailabilitySnapshot, cached bool) gin.H {
	return gin.H{
		"resource_id": s.ResourceID,
		"total":       s.Total,
		"reserved":    s.Reserved,
		"remaining":   s.Remaining,
		"cached":      cached,
	}
}

// createCapacity 创建容量资源（座位、名额、库存）。
func createCapacity(db *gorm.DB, ledger *capacity.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name          string `json:"name" binding:"required"`
			TotalCapacity *int64 `json:"total_capacity" binding:"required,min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		res, err := ledger.Create(c.Request.Context(), db, req.Name, *req.TotalCapacity)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
	}
}

// preloadAvailability 将数据库中的容量快照预热到 Redis。
func preloadAvailability(db *gorm.DB, ledger *capacity.Ledger, cache *redisx.AvailabilityCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, ok := loadAvailability(c, db, ledger, c.Param("resource_id"))
		if !ok {
			return
		}
		if cache == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "cache disabled"})
			return
		}
		if err := cache.Put(c.Request.Context(), snap); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功", "data": availabilityView(snap, true)})
	}
}

// listDeadLetters 查询死信，按时间倒序。
func listDeadLetters(sink *deadletter.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 500 {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "limit 取值 1-500"})
				return
			}
			limit = n
		}
		list, err := sink.List(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// resendDeadLetter 人工补发一条死信。
func resendDeadLetter(sink *deadletter.Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		dl, err := sink.Resend(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, deadletter.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "死信不存在"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": dl})
	}
}

// cancelNotifications 人工作废订单尚未送达的通知（已发送的不受影响）。
func cancelNotifications(db *gorm.DB, notifier NotificationCanceller) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		var n int64
		if err := db.WithContext(c.Request.Context()).Model(&model.Order{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
			return
		}

		cancelled, err := notifier.CancelOrder(c.Request.Context(), orderID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		logrus.WithFields(logrus.Fields{"orderID": orderID, "cancelled": cancelled}).Info("ADMIN:NOTIFICATIONS_CANCELLED")
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"order_id": orderID, "cancelled": cancelled}})
	}
}
