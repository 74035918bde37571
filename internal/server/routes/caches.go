package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/caches 与 /-/sync/:tag 诊断接口，
// 供运维查看当前控制者与缓存命名空间，以及手动投递同步事件。
func RegisterDiagnosticsRoutes(app *fiber.App, registration *worker.Registration, storage cache.Storage) {
	if app == nil || registration == nil || storage == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		controller := registration.Controller()

		namespaces, err := encodeNamespaces(ctx, storage, controller)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(fiber.Map{
			"controller": encodeController(controller),
			"namespaces": namespaces,
		})
	})

	app.Post("/-/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		controller := registration.Controller()
		if controller == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_controller"})
		}

		ctx := requestContext(c)
		task, ok := controller.Sync(ctx, tag)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "sync_tag_unknown", "tag": tag})
		}
		if _, err := task.Await(ctx); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "sync_failed",
				"tag":    tag,
				"detail": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"tag": tag, "status": "completed"})
	})
}

type controllerPayload struct {
	Version      string       `json:"version"`
	State        worker.State `json:"state"`
	StaticCache  string       `json:"static_cache"`
	DynamicCache string       `json:"dynamic_cache"`
}

type namespacePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

func encodeController(controller *worker.Worker) *controllerPayload {
	if controller == nil {
		return nil
	}
	names := controller.Names()
	return &controllerPayload{
		Version:      controller.Version(),
		State:        controller.State(),
		StaticCache:  names.Static,
		DynamicCache: names.Dynamic,
	}
}

func encodeNamespaces(ctx context.Context, storage cache.Storage, controller *worker.Worker) ([]namespacePayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]namespacePayload, 0, len(names))
	for _, name := range names {
		entries, err := storage.Entries(ctx, name)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrInvalidNamespace) {
				continue
			}
			return nil, err
		}
		result = append(result, namespacePayload{
			Name:    name,
			Entries: len(entries),
			Current: controller != nil && controller.Names().IsCurrent(name),
		})
	}
	return result, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
