package main

import (
	"errors"
	"net/http"

	"github.com/mcdev12/winningbid/go/internal/debugserver"
	"github.com/rs/zerolog/log"
)

func startDebugServer(addr string, services *Services, percentages []int) *http.Server {
	srv := debugserver.New(services.Registry, services.Channel, debugserver.Options{
		Percentages: percentages,
	}).HTTPServer(addr)

	go func() {
		log.Info().Str("addr", addr).Msg("debug server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("debug server failed")
		}
	}()
	return srv
}
