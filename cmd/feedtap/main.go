// Command feedtap subscribes configured market-data feeds and prints the
// canonical events as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coachpo/crossfeed/config"
	"github.com/coachpo/crossfeed/internal/adapters/binance"
	"github.com/coachpo/crossfeed/internal/adapters/delta"
	"github.com/coachpo/crossfeed/internal/adapters/deribit"
	"github.com/coachpo/crossfeed/internal/adapters/okx"
	"github.com/coachpo/crossfeed/internal/observability"
	"github.com/coachpo/crossfeed/internal/schema"
	"github.com/coachpo/crossfeed/internal/stream"
	"github.com/coachpo/crossfeed/lib/telemetry"
)

const (
	loggerPrefix              = "feedtap "
	connectTimeout            = 30 * time.Second
	shutdownTimeout           = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	defaultExchangesFlagValue = "binance"
	defaultSymbolsFlagValue   = "BTC-USDT,ETH-USDT"
	defaultFeedsFlagValue     = "orderbook,mark_price"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML settings file, env overrides apply on top")
		exchanges  = flag.String("exchanges", defaultExchangesFlagValue, "comma-separated exchanges to watch")
		symbols    = flag.String("symbols", defaultSymbolsFlagValue, "comma-separated canonical symbols")
		feeds      = flag.String("feeds", defaultFeedsFlagValue, "comma-separated feeds to subscribe")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := log.New(os.Stderr, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(*verbose))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadSettings(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	bridge, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	observability.SetMetrics(bridge)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	symbolList := splitFlag(*symbols)
	feedList := splitFlag(*feeds)
	if len(symbolList) == 0 || len(feedList) == 0 {
		logger.Fatalf("at least one symbol and one feed are required")
	}

	engines := make(map[config.Exchange]*stream.Engine)
	for _, name := range splitFlag(*exchanges) {
		exchange := config.Exchange(strings.ToLower(name))
		settings, ok := cfg.Exchanges[exchange]
		if !ok {
			logger.Fatalf("unknown exchange %q", name)
		}
		adapter, err := buildAdapter(exchange, settings, symbolList)
		if err != nil {
			logger.Fatalf("build %s adapter: %v", exchange, err)
		}
		engines[exchange] = stream.NewEngine(adapter, settings)
	}

	printEvent := func(venue string, event schema.Event) {
		fmt.Printf("%s %-12s %-10s %+v\n", event.Received.Format(time.RFC3339Nano), venue, event.Feed, event.Payload)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	defer connectCancel()
	for exchange, engine := range engines {
		for _, feed := range feedList {
			if err := subscribeFeed(connectCtx, engine, feed, symbolList, printEvent); err != nil {
				logger.Fatalf("subscribe %s on %s: %v", feed, exchange, err)
			}
		}
		logger.Printf("watching %s: symbols=%v feeds=%v", exchange, symbolList, feedList)
	}

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	for exchange, engine := range engines {
		if err := engine.Close(shutdownCtx); err != nil {
			logger.Printf("close %s engine: %v", exchange, err)
		}
	}
}

func loadSettings(path string) (config.Settings, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.FromEnv()
}

func buildAdapter(exchange config.Exchange, settings config.ExchangeSettings, symbols []string) (stream.ExchangeAdapter, error) {
	switch exchange {
	case config.ExchangeBinance:
		return binance.New(settings, binance.SpotProducts(symbols...)), nil
	case config.ExchangeOKX:
		return okx.New(settings, okx.SwapProducts(symbols...)), nil
	case config.ExchangeDeribit:
		return deribit.New(settings, deribit.PerpetualProducts(symbols...)), nil
	case config.ExchangeDelta:
		return delta.New(settings, delta.PerpetualProducts(symbols...)), nil
	default:
		return nil, fmt.Errorf("no adapter for exchange %q", exchange)
	}
}

func subscribeFeed(ctx context.Context, engine *stream.Engine, feed string, symbols []string, cb stream.Callback) error {
	var err error
	switch schema.Feed(strings.ToLower(feed)) {
	case schema.FeedOrderBook:
		_, err = engine.SubscribeOrderBook(ctx, symbols, cb)
	case schema.FeedMarkPrice:
		_, err = engine.SubscribeMarkPrice(ctx, symbols, cb)
	case schema.FeedFundingRate:
		_, err = engine.SubscribeFundingRate(ctx, symbols, cb)
	case schema.FeedVolume:
		_, err = engine.SubscribeVolume(ctx, symbols, cb)
	case schema.FeedOrders:
		_, err = engine.SubscribeOrders(ctx, symbols, cb)
	case schema.FeedBalances:
		_, err = engine.SubscribeBalances(ctx, symbols, cb)
	case schema.FeedPositions:
		_, err = engine.SubscribePositions(ctx, symbols, cb)
	default:
		return fmt.Errorf("unknown feed %q", feed)
	}
	return err
}

func splitFlag(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
