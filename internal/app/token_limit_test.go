package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"

	"pdfbridge/internal/postgres"
)

func resetTokenLimiters() {
	tokenLimiterCache.Lock()
	tokenLimiterCache.handlers = nil
	tokenLimiterCache.Unlock()
}

func TestTokenRateLimitMiddleware(t *testing.T) {
	token := "test-token"
	limit := 2

	postgres.LoadTokensFromMap(map[string]int{token: limit})
	rateLimitStore = newMemStore()
	resetTokenLimiters()

	app := fiber.New()
	app.Use(keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: "api_key",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			return postgres.ValidateToken(key), nil
		},
	}))
	app.Use(rateLimitMiddleware(time.Hour))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	makeReq := func() *http.Request {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-API-Key", token)
		return req
	}

	for i := 0; i < limit; i++ {
		resp, err := app.Test(makeReq(), -1)
		if err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 but got %d", resp.StatusCode)
		}
	}

	resp, err := app.Test(makeReq(), -1)
	if err != nil {
		t.Fatalf("exceed request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 but got %d", resp.StatusCode)
	}
}

func TestGetTokenLimiterIsCachedPerLimit(t *testing.T) {
	rateLimitStore = newMemStore()
	resetTokenLimiters()

	getTokenLimiter(3, time.Minute)
	getTokenLimiter(3, time.Minute)
	getTokenLimiter(4, time.Minute)

	tokenLimiterCache.RLock()
	defer tokenLimiterCache.RUnlock()
	if len(tokenLimiterCache.handlers) != 2 {
		t.Fatalf("expected two cached limiters, got %d", len(tokenLimiterCache.handlers))
	}
}
