package handlers

import (
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/andesco/embedproxy/pkg/embedproxy"
	"github.com/andesco/embedproxy/pkg/metrics"
	"github.com/andesco/embedproxy/pkg/proxyerr"
)

// ProxySite is a Fiber handler serving GET /proxy?url=<absolute-url>.
func ProxySite(p *embedproxy.Proxy) fiber.Handler {
	return func(c *fiber.Ctx) error {
		targetURL := c.Query("url")

		res, err := p.Process(c.UserContext(), targetURL)
		if err != nil {
			perr := proxyerr.From(err)
			metrics.Requests.WithLabelValues(perr.Code()).Inc()

			entry := log.WithFields(log.Fields{
				"url":       targetURL,
				"status":    perr.Status(),
				"code":      perr.Code(),
				"retryable": perr.Kind.Retryable(),
			})
			if perr.Status() >= fiber.StatusInternalServerError {
				entry.Errorf("proxy error: %v", err)
			} else {
				entry.Infof("rejected: %v", err)
			}
			return c.Status(perr.Status()).JSON(fiber.Map{"error": perr.Message()})
		}

		metrics.Requests.WithLabelValues("ok").Inc()
		log.WithFields(log.Fields{"url": targetURL, "removed": res.Report.Removed()}).Debug("proxied")

		for key, values := range res.Headers {
			for _, value := range values {
				c.Set(key, value)
			}
		}
		for _, key := range res.Omit {
			c.Response().Header.Del(key)
		}

		return c.Status(fiber.StatusOK).SendString(res.Body)
	}
}
