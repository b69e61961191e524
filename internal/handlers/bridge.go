// Package handlers holds the fiber handlers of the host's HTTP surface.
package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Downloader is the capability the bridge endpoint forwards to.
type Downloader interface {
	DownloadPDF(html string)
}

// HandleDownloadPDF forwards the raw request body to the bridge and answers
// 202 with an empty body. The outcome of the export is never reported here.
func HandleDownloadPDF(d Downloader, maxHTMLBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := c.Body()
		if maxHTMLBytes > 0 && len(body) > maxHTMLBytes {
			return fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("HTML input exceeds %d bytes", maxHTMLBytes))
		}
		// The body buffer is reused by fasthttp after the handler returns.
		d.DownloadPDF(string(body))
		c.Status(fiber.StatusAccepted)
		return nil
	}
}
