// Package transport opens the ipc transport selected in the configuration.
package transport

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pdfbridge/internal/config"
	"pdfbridge/internal/ipc"
	"pdfbridge/internal/ipc/amqpipc"
	"pdfbridge/internal/ipc/redisipc"
	"pdfbridge/internal/logging"
)

// withClient closes the redis client it owns after the bus.
type withClient struct {
	*redisipc.Bus
	rdb *redis.Client
}

func (w withClient) Close() error {
	return errors.Join(w.Bus.Close(), w.rdb.Close())
}

// Open returns the transport named by cfg.Bridge.Transport.
func Open(cfg config.Config) (ipc.Transport, error) {
	switch cfg.Bridge.Transport {
	case config.TransportMemory, "":
		logging.Info("Using in-process bridge transport")
		return ipc.NewMemory(), nil
	case config.TransportRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Bridge.RedisAddr,
			DB:   cfg.Bridge.RedisDB,
		})
		logging.Info("Using Redis bridge transport", "addr", cfg.Bridge.RedisAddr, "db", cfg.Bridge.RedisDB)
		return withClient{Bus: redisipc.New(rdb), rdb: rdb}, nil
	case config.TransportAMQP:
		bus, err := amqpipc.Dial(cfg.Bridge.AMQPURL)
		if err != nil {
			return nil, err
		}
		logging.Info("Using AMQP bridge transport")
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown bridge transport %q", cfg.Bridge.Transport)
	}
}
