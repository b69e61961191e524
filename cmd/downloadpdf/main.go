// Command downloadpdf sends an HTML document to a running pdfhost through the
// desktop bridge, exactly as a rendering context would.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"pdfbridge/internal/bridge"
	"pdfbridge/internal/config"
	"pdfbridge/internal/ipc"
	"pdfbridge/internal/ipc/transport"
	"pdfbridge/internal/logging"
)

func main() {
	_ = godotenv.Load()
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "downloadpdf:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("downloadpdf", flag.ContinueOnError)
	kind := fs.String("transport", envOr("BRIDGE_TRANSPORT", config.TransportRedis), "bridge transport: redis or amqp")
	redisAddr := fs.String("redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address")
	redisDB := fs.Int("redis-db", 0, "redis database")
	amqpURL := fs.String("amqp", os.Getenv("RABBITMQ_URL"), "AMQP url")
	wait := fs.Duration("wait", 0, "wait this long for the host's acknowledgement (0 = fire and forget)")
	level := fs.String("log-level", "warn", "log level")
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.SetLogLevel(*level)

	if *kind == config.TransportMemory {
		return errors.New("the memory transport only works inside pdfhost")
	}

	html, err := readDocument(fs.Arg(0), stdin)
	if err != nil {
		return err
	}

	var cfg config.Config
	cfg.Bridge.Transport = *kind
	cfg.Bridge.RedisAddr = *redisAddr
	cfg.Bridge.RedisDB = *redisDB
	cfg.Bridge.AMQPURL = *amqpURL
	bus, err := transport.Open(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	acks := make(chan ipc.Ack, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *wait > 0 {
		if err := watchAck(ctx, bus, ipc.Digest([]byte(html)), acks, *wait); err != nil {
			return err
		}
	}

	out := bridge.NewOutbox(bus)
	out.Start()
	scope := bridge.NewScope()
	if err := bridge.Expose(scope, bridge.New(out)); err != nil {
		return err
	}
	member, _ := scope.Lookup(bridge.Namespace, bridge.MemberDownloadPDF)
	member.(func(string))(html)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := out.Close(flushCtx); err != nil {
		return fmt.Errorf("message not sent: %w", err)
	}

	if *wait <= 0 {
		fmt.Fprintln(stdout, "sent")
		return nil
	}
	select {
	case a := <-acks:
		if a.Status != ipc.AckSaved {
			return fmt.Errorf("host failed to export: %s", a.Error)
		}
		fmt.Fprintf(stdout, "saved %s (%d bytes, %d pages)\n", a.Location, a.Bytes, a.Pages)
		return nil
	case <-time.After(*wait):
		return fmt.Errorf("no acknowledgement within %s", *wait)
	}
}

// watchAck forwards the ack for digest to acks. It returns once the ack
// subscription is live, so an ack published right after the send is seen.
func watchAck(ctx context.Context, sub ipc.Subscriber, digest string, acks chan<- ipc.Ack, timeout time.Duration) error {
	live := make(chan struct{})
	var once sync.Once
	watchCtx := ipc.WithSubscribed(ctx, func(string) { once.Do(func() { close(live) }) })

	errc := make(chan error, 1)
	go func() {
		errc <- bridge.WatchAcks(watchCtx, sub, func(a ipc.Ack) {
			if a.Digest != digest {
				return
			}
			select {
			case acks <- a:
			default:
			}
		})
	}()

	select {
	case <-live:
		return nil
	case err := <-errc:
		return fmt.Errorf("watch acks: %w", err)
	case <-time.After(timeout):
		return fmt.Errorf("ack subscription not ready within %s", timeout)
	}
}

// readDocument reads the named file, or stdin for "" and "-".
func readDocument(name string, stdin io.Reader) (string, error) {
	if name == "" || name == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
