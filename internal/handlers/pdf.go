package handlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"pdfbridge/internal/chrome"
	"pdfbridge/internal/config"
	"pdfbridge/internal/host"
	"pdfbridge/internal/logging"
	"pdfbridge/internal/pdfcache"
	"pdfbridge/internal/render"
)

var filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// PoolSource exposes the Chrome tab pool, nil when pooling is disabled.
type PoolSource interface {
	Pool() (*chrome.Pool, error)
}

// PDFRequestParams holds validated input parameters.
type PDFRequestParams struct {
	HTML        string
	Format      string
	Orientation string
	Filename    string
	Print       render.Options
}

// PDFService renders PDFs synchronously for HTTP callers.
type PDFService struct {
	Config   *config.Config
	Renderer render.Renderer
	Pools    PoolSource
	Cache    host.Cache
}

// NewPDFService creates a new PDFService instance. cache may be nil.
func NewPDFService(cfg config.Config, r render.Renderer, pools PoolSource, cache host.Cache) *PDFService {
	return &PDFService{Config: &cfg, Renderer: r, Pools: pools, Cache: cache}
}

// HandleConversion generates a new PDF or serves a cached copy.
func (svc *PDFService) HandleConversion(c *fiber.Ctx) error {
	params, err := validateAndExtractPDFParams(c, *svc.Config)
	if err != nil {
		return err
	}

	cacheKey := pdfcache.Key(params.HTML, params.Print)
	if svc.Cache != nil {
		cached, ok, err := svc.Cache.Get(c.Context(), cacheKey)
		if err != nil {
			logging.Warn("PDF cache unavailable; rendering", "error", err, "request_id", c.GetRespHeader(fiber.HeaderXRequestID))
		}
		if ok {
			return sendPDF(c, params.Filename, cached)
		}
	}

	pdfBuf, err := svc.Renderer.Render(c.Context(), params.HTML, params.Print)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Error("PDF generation timeout", "timeout_secs", svc.Config.PDF.TimeoutSecs, "error", err.Error())
			return fiber.NewError(fiber.StatusRequestTimeout, "PDF rendering took too long")
		}
		if chrome.IsSessionInterrupted(err) {
			logging.Error("Chrome session interrupted", "error", err.Error())
			return fiber.NewError(fiber.StatusServiceUnavailable, "Chrome session interrupted")
		}
		logging.Error("PDF generation failed", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "PDF generation failed: "+err.Error())
	}

	if len(pdfBuf) > svc.Config.Limits.MaxPDFBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PDF exceeds allowed size")
	}

	if svc.Cache != nil {
		if err := svc.Cache.Set(c.Context(), cacheKey, pdfBuf); err != nil {
			logging.Warn("Failed to cache PDF", "error", err, "request_id", c.GetRespHeader(fiber.HeaderXRequestID))
		}
	}

	logging.Info("PDF generated", "filename", params.Filename, "request_id", c.GetRespHeader(fiber.HeaderXRequestID))
	return sendPDF(c, params.Filename, pdfBuf)
}

func sendPDF(c *fiber.Ctx, filename string, data []byte) error {
	c.Set(fiber.HeaderContentType, "application/pdf")
	c.Set(fiber.HeaderContentDisposition, "attachment; filename="+filename)
	return c.Send(data)
}

// validateAndExtractPDFParams validates and parses form input.
func validateAndExtractPDFParams(c *fiber.Ctx, cfg config.Config) (*PDFRequestParams, error) {
	html := c.FormValue("html")

	if len(html) < 10 {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid HTML: content too short or missing")
	}
	if len(html) > cfg.Limits.MaxHTMLBytes {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("HTML input exceeds %d bytes", cfg.Limits.MaxHTMLBytes))
	}

	format := strings.ToUpper(c.FormValue("format"))
	if format != "" {
		if _, ok := cfg.PDF.PaperSizes[format]; !ok {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid format: not supported")
		}
	}

	orientation := strings.ToLower(c.FormValue("orientation"))
	if orientation != "" && orientation != "portrait" && orientation != "landscape" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid orientation: must be 'portrait' or 'landscape'")
	}

	margin := cfg.PDF.Margin
	if marginStr := c.FormValue("margin"); marginStr != "" {
		m, err := strconv.ParseFloat(marginStr, 64)
		if err != nil || m < 0.1 || m > 2.0 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid margin: must be a float between 0.1 and 2.0")
		}
		margin = m
	}

	filename := c.FormValue("filename")
	if filename == "" {
		filename = "resume.pdf"
	} else {
		if !strings.HasSuffix(filename, ".pdf") {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Filename must end with .pdf")
		}
		if !filenamePattern.MatchString(filename) {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Filename contains invalid characters")
		}
	}

	paper, _ := cfg.Paper(format)
	if paper.Width == 0 || paper.Height == 0 {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Default paper size not configured")
	}
	if orientation == "landscape" {
		paper.Width, paper.Height = paper.Height, paper.Width
	}

	return &PDFRequestParams{
		HTML:        html,
		Format:      format,
		Orientation: orientation,
		Filename:    filename,
		Print:       render.Options{Paper: paper, Margin: margin},
	}, nil
}

// HandleChromeStats exposes basic observability for the Chrome pool.
func (svc *PDFService) HandleChromeStats(c *fiber.Ctx) error {
	var pool *chrome.Pool
	if svc.Pools != nil {
		p, err := svc.Pools.Pool()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "Chrome pool init failed: "+err.Error())
		}
		pool = p
	}

	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.PDF.ChromePoolSize,
			"profile_dir":    "",
			"timeout_secs":   svc.Config.PDF.TimeoutSecs,
			"restarts":       0,
		})
	}

	s := pool.Stats(svc.Config.PDF.TimeoutSecs)
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"profile_dir":    s.ProfileDir,
		"timeout_secs":   svc.Config.PDF.TimeoutSecs,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
	})
}
