package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/asmf/asmf-offline/internal/server"
	"github.com/asmf/asmf-offline/internal/worker"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，列出站点与当前 worker 状态。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": encodeSites(registry.Routes())})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		route, ok := registry.Site(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return c.JSON(encodeSite(route))
	})
}

type sitePayload struct {
	Name        string         `json:"name"`
	Domain      string         `json:"domain"`
	Origin      string         `json:"origin"`
	Port        int            `json:"port"`
	CacheName   string         `json:"cache_name"`
	Precache    []string       `json:"precache"`
	OfflinePage string         `json:"offline_page,omitempty"`
	Worker      *worker.Status `json:"worker,omitempty"`
}

func encodeSites(routes []*server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeSite(route))
	}
	return result
}

func encodeSite(route *server.SiteRoute) sitePayload {
	payload := sitePayload{
		Name:        route.Config.Name,
		Domain:      route.Config.Domain,
		Origin:      route.Config.Origin,
		Port:        route.ListenPort,
		CacheName:   route.CacheName,
		Precache:    append([]string(nil), route.Config.Precache...),
		OfflinePage: route.Config.OfflinePage,
	}
	if route.Registration != nil {
		status := route.Registration.Status()
		payload.Worker = &status
	}
	return payload
}
