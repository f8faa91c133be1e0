package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Call/internal/adapters/http"
	"github.com/dkeye/Call/internal/adapters/media"
	"github.com/dkeye/Call/internal/adapters/rtc"
	gateway "github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/call"
	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/app/relay"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	self, err := domain.NewUser(cfg.Identity.ID, cfg.Identity.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid identity")
	}

	acq, err := media.New(cfg.Media.Driver)
	if err != nil {
		log.Fatal().Err(err).Msg("media driver")
	}
	playout := relay.NewManager(cfg.Playout)
	client := gateway.NewClient(cfg.Signaling, self.ID)

	machine := call.NewMachine(call.Deps{
		Self:        self,
		Media:       acq,
		Peers:       rtc.NewFactory(acq),
		ICE:         rtc.ICEConfiguration(cfg.ICE),
		Gateway:     client,
		Playout:     playout,
		RingTimeout: cfg.Call.RingTimeout,
	})

	reg := app.NewRegistry()
	o := orch.New(reg, app.SimplePolicy{Tolerance: 3}, machine)
	go o.Run(ctx)

	// The gateway outlives ctx so the hang-up on shutdown still reaches the peer.
	gwCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()
	go func() {
		if err := client.Run(gwCtx, machine); err != nil {
			log.Error().Err(err).Msg("signaling gateway unreachable")
		}
	}()

	ctl := &router.Controller{
		Calls:    machine,
		Playouts: playout,
		Limiter:  router.NewRedialLimiter(cfg.Call.RedialLimit, cfg.Call.RedialInterval),
		Registry: reg,
		Orch:     o,
	}
	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("identity", string(self.ID)).Msg("Call client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := machine.EndCall(); err != nil {
		log.Warn().Err(err).Msg("end call on shutdown")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	stopGateway()
	log.Info().Msg("Client exited gracefully")
}
