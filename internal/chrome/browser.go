package chrome

import (
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"

	"pdfbridge/internal/config"
)

// AllocatorOptions builds the exec allocator flags for one Chrome process
// using profileDir as its user data dir.
func AllocatorOptions(cfg config.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
	)
	if cfg.PDF.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.PDF.ChromePath))
	}
	if cfg.PDF.ChromeNoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	return opts
}

// ResolveBrowser fills cfg.PDF.ChromePath when it is empty: an installed
// Chrome/Chromium is preferred, and when download is true a compatible
// Chromium is fetched into rod's cache.
func ResolveBrowser(cfg *config.Config, download bool) error {
	if cfg.PDF.ChromePath != "" {
		return nil
	}
	if path, ok := launcher.LookPath(); ok {
		cfg.PDF.ChromePath = path
		return nil
	}
	if !download {
		// chromedp falls back to its own lookup.
		return nil
	}
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return fmt.Errorf("downloading browser: %w", err)
	}
	cfg.PDF.ChromePath = path
	return nil
}
