package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"fenrir/internal/broadcast"
	"fenrir/internal/config"
	"fenrir/internal/domain"
	"fenrir/internal/engineloop"
	"fenrir/internal/httpapi"
	"fenrir/internal/persistence"
	"fenrir/internal/wsapi"
)

// seedMarkets stands in for the external relational store's market
// configuration, an out-of-scope collaborator this binary never owns; a
// real deployment loads these rows instead of hardcoding them.
func seedMarkets() []domain.Market {
	return []domain.Market{
		{
			MarketID: "BTC/USD", Base: "BTC", Quote: "USD",
			TickSize: 100, LotSize: 10_000, MinSize: 100_000,
			MakerFeeBps: 10, TakerFeeBps: 20, BaseDecimals: 8,
		},
		{
			MarketID: "ETH/USD", Base: "ETH", Quote: "USD",
			TickSize: 10, LotSize: 1_000, MinSize: 10_000,
			MakerFeeBps: 10, TakerFeeBps: 20, BaseDecimals: 18,
		},
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Load()
	markets := seedMarkets()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var store persistence.Adapter
	var columnar *persistence.ColumnarWriter
	if cfg.PostgresDSN != "" {
		pg, err := persistence.NewPostgresAdapter(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("server: connect postgres")
		}
		defer pg.Close()
		store = pg
		columnar = persistence.NewColumnarWriter(persistence.NewPostgresColumnarStore(pg), cfg.CandleBucket, cfg.EngineQueueCapacity)
		defer columnar.Close()
	} else {
		log.Warn().Msg("server: no FENRIR_POSTGRES_DSN set, running against the in-memory adapter")
		store = persistence.NewMemoryAdapter()
	}

	bus := broadcast.NewBus(cfg.SubscriberCapacity)
	eng := engineloop.New(markets, store, columnar, bus.Publish, time.Now, cfg.EngineQueueCapacity)
	defer eng.Stop()

	var t tomb.Tomb

	ws := wsapi.NewServer(bus, eng, cfg.CommandTimeout)
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", ws.HandleWebSocket)
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}
	t.Go(func() error {
		log.Info().Str("addr", cfg.WSAddr).Msg("server: websocket gateway listening")
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	httpSrv := httpapi.NewServer(eng, store, markets, cfg.CommandTimeout)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: httpSrv.Router()}
	t.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server: http ingress listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info().Msg("server: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	t.Kill(nil)
	if err := t.Wait(); err != nil {
		log.Error().Err(err).Msg("server: transport shutdown error")
	}
}
