package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/asmf/asmf-offline/internal/server"
	"github.com/asmf/asmf-offline/internal/worker"
)

// RegisterControlRoutes 暴露 /-/sw/* 接口：消息、重新安装、推送、后台同步与通知点击。
// 站点优先按 Host 解析，其次使用 ?site= 参数。
func RegisterControlRoutes(app *fiber.App, registry *server.SiteRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	ctl := &controlHandler{registry: registry, logger: logger}

	group := app.Group("/-/sw")
	group.Post("/message", ctl.message)
	group.Post("/install", ctl.install)
	group.Post("/push", ctl.push)
	group.Post("/sync", ctl.sync)
	group.Post("/notificationclick", ctl.notificationClick)
	group.Get("/notifications", ctl.notifications)
}

type controlHandler struct {
	registry *server.SiteRegistry
	logger   *logrus.Logger
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (h *controlHandler) message(c fiber.Ctx) error {
	reg, err := h.resolve(c)
	if reg == nil {
		return err
	}
	var msg worker.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_message")
	}

	port := worker.NewChannelPort()
	if err := reg.Message(c.Context(), msg, port); err != nil {
		return h.dispatchError(c, "sw_message", err)
	}
	select {
	case reply := <-port:
		return c.JSON(reply)
	default:
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (h *controlHandler) install(c fiber.Ctx) error {
	reg, err := h.resolve(c)
	if reg == nil {
		return err
	}
	if _, err := reg.Register(c.Context()); err != nil {
		h.log(c, "sw_install").WithError(err).Warn("sw_install_retry_failed")
		if errors.Is(err, worker.ErrAborted) {
			return writeError(c, fiber.StatusServiceUnavailable, "install_aborted")
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "install_failed",
			"detail": err.Error(),
		})
	}
	return c.JSON(reg.Status())
}

func (h *controlHandler) push(c fiber.Ctx) error {
	reg, err := h.resolve(c)
	if reg == nil {
		return err
	}
	if err := reg.Push(c.Context(), c.Body()); err != nil {
		if errors.Is(err, worker.ErrInvalidPush) {
			return writeError(c, fiber.StatusBadRequest, "invalid_push")
		}
		return h.dispatchError(c, "sw_push", err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *controlHandler) sync(c fiber.Ctx) error {
	reg, err := h.resolve(c)
	if reg == nil {
		return err
	}
	var req syncRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil || strings.TrimSpace(req.Tag) == "" {
		return writeError(c, fiber.StatusBadRequest, "invalid_sync")
	}
	if err := reg.Sync(c.Context(), req.Tag); err != nil {
		return h.dispatchError(c, "sw_sync", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *controlHandler) notificationClick(c fiber.Ctx) error {
	reg, err := h.resolve(c)
	if reg == nil {
		return err
	}
	var click worker.NotificationClick
	if err := json.Unmarshal(c.Body(), &click); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_notification_click")
	}
	if err := reg.NotificationClick(c.Context(), click); err != nil {
		return h.dispatchError(c, "sw_notification_click", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *controlHandler) notifications(c fiber.Ctx) error {
	reg, err := h.resolve(c)
	if reg == nil {
		return err
	}
	notifications := []worker.Notification{}
	if log, ok := reg.Notifier().(*worker.NotificationLog); ok {
		notifications = append(notifications, log.List()...)
	}
	return c.JSON(fiber.Map{"notifications": notifications})
}

// resolve 找不到站点时写好错误响应并返回 nil registration，调用方直接返回 err。
func (h *controlHandler) resolve(c fiber.Ctx) (*worker.Registration, error) {
	route, ok := server.RouteFromContext(c)
	if !ok {
		if name := c.Query("site"); name != "" {
			route, ok = h.registry.Site(name)
		}
	}
	if !ok || route == nil {
		return nil, writeError(c, fiber.StatusNotFound, "site_not_found")
	}
	if route.Registration == nil {
		return nil, writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable")
	}
	return route.Registration, nil
}

func (h *controlHandler) dispatchError(c fiber.Ctx, action string, err error) error {
	h.log(c, action).WithError(err).Warn("sw_event_failed")
	switch {
	case errors.Is(err, worker.ErrNoActiveWorker):
		return writeError(c, fiber.StatusConflict, "no_active_worker")
	case errors.Is(err, worker.ErrAborted):
		return writeError(c, fiber.StatusServiceUnavailable, "event_aborted")
	default:
		return writeError(c, fiber.StatusInternalServerError, "event_failed")
	}
}

func (h *controlHandler) log(c fiber.Ctx, action string) *logrus.Entry {
	logger := h.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
	})
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
