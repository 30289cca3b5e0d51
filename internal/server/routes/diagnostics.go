package routes

import (
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/melplay/melplay-shell/internal/host"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口：注册状态、缓存代际以及 skip-waiting 信号。
func RegisterDiagnosticsRoutes(app *fiber.App, container *host.Container) {
	if app == nil || container == nil {
		return
	}

	app.Get("/-/registrations", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"registrations": container.Snapshot()})
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		keys, err := container.Storage().Keys(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(fiber.Map{"caches": encodeGenerations(keys, container.Snapshot())})
	})

	app.Post("/-/registrations/:name/skip-waiting", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "registration_name_required"})
		}
		err := container.SkipWaiting(c.Context(), name)
		switch {
		case err == nil:
			return c.SendStatus(fiber.StatusNoContent)
		case errors.Is(err, host.ErrRegistrationNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "registration_not_found"})
		case errors.Is(err, host.ErrNothingWaiting):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "nothing_waiting"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "activate_failed",
				"message": err.Error(),
			})
		}
	})
}

type generationPayload struct {
	Name    string   `json:"name"`
	Active  []string `json:"active_for,omitempty"`
	Waiting []string `json:"waiting_for,omitempty"`
}

// encodeGenerations 标注每个代际被哪些注册的 active / waiting worker 使用；
// 两者皆空的代际即为待清理的孤儿。
func encodeGenerations(keys []string, regs []host.RegistrationStatus) []generationPayload {
	if len(keys) == 0 {
		return []generationPayload{}
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	index := make(map[string]int, len(sorted))
	result := make([]generationPayload, len(sorted))
	for i, key := range sorted {
		index[key] = i
		result[i] = generationPayload{Name: key}
	}
	for _, reg := range regs {
		if reg.Active != nil {
			if i, ok := index[reg.Active.Generation]; ok {
				result[i].Active = append(result[i].Active, reg.Name)
			}
		}
		if reg.Waiting != nil {
			if i, ok := index[reg.Waiting.Generation]; ok {
				result[i].Waiting = append(result[i].Waiting, reg.Name)
			}
		}
	}
	return result
}
