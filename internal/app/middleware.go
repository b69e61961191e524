package app

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"

	"pdfbridge/internal/config"
	"pdfbridge/internal/logging"
	"pdfbridge/internal/postgres"
)

var (
	tokenLimiterCache struct {
		sync.RWMutex
		handlers map[int]fiber.Handler
	}
	rateLimitStore fiber.Storage
)

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    fiber.StatusTooManyRequests,
			"message": "Too Many Requests",
		},
	})
}

// getTokenLimiter returns a cached limiter for the given token limit, creating one if needed.
func getTokenLimiter(limit int, interval time.Duration) fiber.Handler {
	tokenLimiterCache.RLock()
	h, ok := tokenLimiterCache.handlers[limit]
	tokenLimiterCache.RUnlock()
	if ok {
		return h
	}

	h = limiter.New(limiter.Config{
		Max:               limit,
		Expiration:        interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rateLimitStore,
		KeyGenerator: func(c *fiber.Ctx) string {
			if token, ok := c.Locals("api_key").(string); ok {
				return token
			}
			return ""
		},
		LimitReached: func(c *fiber.Ctx) error {
			token, _ := c.Locals("api_key").(string)
			logging.Warn("Rate limit exceeded", "token", token, "path", c.Path())
			return tooManyRequests(c)
		},
	})

	tokenLimiterCache.Lock()
	if tokenLimiterCache.handlers == nil {
		tokenLimiterCache.handlers = make(map[int]fiber.Handler)
	}
	if existing, ok := tokenLimiterCache.handlers[limit]; ok {
		h = existing
	} else {
		tokenLimiterCache.handlers[limit] = h
	}
	tokenLimiterCache.Unlock()

	return h
}

// rateLimitMiddleware applies per-token rate limits.
func rateLimitMiddleware(interval time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := c.Locals("api_key").(string)
		if !ok || token == "" {
			return c.Next()
		}
		limit := postgres.GetRateLimit(token)
		if limit == 0 {
			return c.Next()
		}
		return getTokenLimiter(limit, interval)(c)
	}
}

func clientKey(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
	return hex.EncodeToString(sum[:])
}

// userRateLimitMiddleware limits anonymous requests by client address and agent.
func userRateLimitMiddleware(cfg config.Config) fiber.Handler {
	if cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}
	userLimiter := limiter.New(limiter.Config{
		Max:               cfg.RateLimiter.UserLimit,
		Expiration:        cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rateLimitStore,
		KeyGenerator:      clientKey,
		LimitReached: func(c *fiber.Ctx) error {
			logging.Warn("Rate limit exceeded", "user", clientKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	return func(c *fiber.Ctx) error {
		// Token limits apply to authenticated requests instead.
		if token, ok := c.Locals("api_key").(string); ok && token != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}

// newRateLimitStore prefers Redis and falls back to process memory.
func newRateLimitStore(cfg config.Config) fiber.Storage {
	if cfg.Cache.RedisHost == "" {
		return memoryStorage.New()
	}
	var store fiber.Storage = memoryStorage.New()
	func() {
		// The redis storage panics when the server is unreachable.
		defer func() {
			if r := recover(); r != nil {
				logging.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
			}
		}()
		store = redisStorage.New(redisStorage.Config{
			Addrs:    []string{cfg.Cache.RedisHost},
			Database: cfg.Cache.RateLimitDB,
		})
		logging.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	}()
	return store
}

func keyAuth() fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: "api_key",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if !postgres.TokensReady() {
				return false, postgres.ErrTokenStoreNotReady
			}
			if !postgres.ValidateToken(key) {
				return false, postgres.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// keyauth may call ErrorHandler with a nil error.
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if errors.Is(err, postgres.ErrTokenStoreNotReady) {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    status,
					"message": err.Error(),
				},
			})
		},
	})
}

// RegisterMiddleware attaches global middleware to the app
func RegisterMiddleware(app *fiber.App, cfg config.Config) {
	rateLimitStore = newRateLimitStore(cfg)

	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New())

	if cfg.Auth.Enabled {
		app.Use(keyAuth())
		app.Use(rateLimitMiddleware(cfg.RateLimiter.Interval))
	}

	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(userRateLimitMiddleware(cfg))
	}

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get(fiber.HeaderXRequestID)
		if requestID == "" {
			requestID = c.GetRespHeader(fiber.HeaderXRequestID)
		}
		logging.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}
