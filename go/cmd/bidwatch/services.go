package main

import (
	"context"

	"github.com/mcdev12/winningbid/go/clients/winningbid_client"
	"github.com/mcdev12/winningbid/go/internal/bidding"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/mcdev12/winningbid/go/internal/config"
	"github.com/mcdev12/winningbid/go/internal/live"
	"github.com/mcdev12/winningbid/go/internal/session"
)

type Services struct {
	Session   *session.Session
	Client    *winningbid_client.Client
	Channel   *channel.Manager
	Registry  *live.Registry
	Submitter *bidding.Submitter
}

func setupServices(cfg *config.Config, accessToken, refreshToken string) *Services {
	// Session → REST client → channel manager → registry → submitter
	auth := winningbid_client.NewAuthClient(cfg.API.BaseURL)
	auth.SetTimeout(cfg.API.Timeout)
	sess := session.New(accessToken, refreshToken, session.RefresherFunc(
		func(ctx context.Context, refreshToken string) (string, string, error) {
			tokens, err := auth.RefreshTokens(ctx, refreshToken)
			if err != nil {
				return "", "", err
			}
			return tokens.AccessToken, tokens.RefreshToken, nil
		},
	))

	client := winningbid_client.NewClient(cfg.API.BaseURL, sess)
	client.SetTimeout(cfg.API.Timeout)

	manager := channel.NewManager(cfg.Channel.Dialer(), cfg.Channel.ReconnectConfig(), nil)
	registry := live.NewRegistry(client, manager)
	submitter := bidding.NewSubmitter(registry, client, manager, cfg.Bidding.SubmitterConfig(), nil)

	return &Services{
		Session:   sess,
		Client:    client,
		Channel:   manager,
		Registry:  registry,
		Submitter: submitter,
	}
}

// Close tears the services down in reverse order
func (s *Services) Close() {
	s.Registry.Close()
	s.Channel.Close()
}
