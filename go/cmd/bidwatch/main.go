package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/bidding"
	"github.com/mcdev12/winningbid/go/internal/config"
	"github.com/mcdev12/winningbid/go/internal/feed"
	"github.com/mcdev12/winningbid/go/internal/live"
	"github.com/mcdev12/winningbid/go/internal/sales"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	bidAmount := flag.String("bid", "", "submit one bid of this amount on the first auction")
	watchFeed := flag.Bool("feed", false, "follow the live auction listing")
	category := flag.String("category", "", "restrict the listing to one category")
	watchSales := flag.Bool("sales", false, "follow the signed-in seller's sales")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	auctionIDs := flag.Args()
	if len(auctionIDs) == 0 && !*watchFeed && !*watchSales {
		log.Fatal().Msg("usage: bidwatch [-config file] [-bid amount] [-feed] [-sales] auction-id...")
	}

	services := setupServices(cfg, os.Getenv("WINNINGBID_ACCESS_TOKEN"), os.Getenv("WINNINGBID_REFRESH_TOKEN"))
	defer services.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("transport", cfg.Channel.Transport).
		Str("channel_url", cfg.Channel.URL).
		Bool("authenticated", services.Session.Authenticated()).
		Msg("starting bidwatch")

	// Views still work from REST data while the channel is down; holding the
	// channel keeps dialing in the background until it comes up
	if err := services.Channel.Acquire(ctx); err != nil {
		log.Error().Err(err).Msg("live updates unavailable, retrying in background")
		services.Channel.Hold()
	}
	defer services.Channel.Release()

	percentages := userPercentages(ctx, services, cfg.Bidding.DefaultPercentages)

	var views []*live.View
	for _, id := range auctionIDs {
		view, err := live.Open(ctx, services.Registry, id, services.Session.UserID(), live.ViewOptions{
			Interval: cfg.Countdown.Interval,
		})
		if err != nil {
			log.Error().Err(err).Str("auction_id", id).Msg("failed to open auction")
			continue
		}
		views = append(views, view)
		go logView(view, percentages)
	}
	defer func() {
		for _, v := range views {
			v.Close()
		}
	}()

	if *bidAmount != "" && len(views) > 0 {
		placeBid(ctx, services, views[0].AuctionID(), *bidAmount)
	}

	if *watchFeed {
		f := feed.New(services.Client, services.Registry, services.Channel, feed.Options{Category: *category})
		defer f.Close()
		if err := f.Load(ctx); err != nil {
			log.Error().Err(err).Msg("failed to load feed")
		}
		go logFeed(ctx, f)
	}

	if *watchSales {
		d := sales.New(services.Client, services.Registry, services.Channel, services.Session.UserID(), nil)
		defer d.Close()
		if err := d.Load(ctx); err != nil {
			log.Error().Err(err).Msg("failed to load sales")
		}
		go logSales(ctx, d)
	}

	if cfg.Debug.Addr != "" {
		srv := startDebugServer(cfg.Debug.Addr, services, percentages)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("debug server shutdown failed")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down bidwatch")
}

func userPercentages(ctx context.Context, services *Services, fallback []int) []int {
	userID := services.Session.UserID()
	if userID == "" {
		return fallback
	}
	user, err := services.Client.GetUser(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("could not load bid preferences")
		return fallback
	}
	if len(user.BidPercentages) == 0 {
		return fallback
	}
	return user.BidPercentages
}

func placeBid(ctx context.Context, services *Services, auctionID, raw string) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		log.Error().Err(err).Str("amount", raw).Msg("invalid bid amount")
		return
	}

	actor := bidding.ActorFromSession(services.Session, "")
	receipt, err := services.Submitter.SubmitBid(ctx, auctionID, amount, actor)
	var rejected *bidding.BidRejectedError
	switch {
	case err == nil:
		log.Info().
			Str("auction_id", receipt.AuctionID).
			Str("amount", receipt.Bid.Amount.String()).
			Time("cooldown_until", receipt.CooldownUntil).
			Msg("bid accepted")
	case errors.Is(err, bidding.ErrAuthRequired):
		log.Error().Msg("sign in to bid: set WINNINGBID_ACCESS_TOKEN")
	case errors.As(err, &rejected):
		log.Error().Str("auction_id", auctionID).Str("reason", rejected.Message).Msg("bid rejected")
	default:
		log.Error().Err(err).Str("auction_id", auctionID).Msg("bid failed")
	}
}

func logView(view *live.View, percentages []int) {
	var (
		lastPrice  string
		wasExpired bool
		won        bool
	)
	for state := range view.Updates() {
		price := state.Snapshot.CurrentPrice.String()
		if price == lastPrice && state.Expired == wasExpired {
			log.Debug().
				Str("auction_id", state.AuctionID).
				Str("remaining", state.Countdown.String()).
				Msg("tick")
		} else {
			event := log.Info().
				Str("auction_id", state.AuctionID).
				Str("price", price).
				Str("remaining", state.Countdown.String()).
				Bool("expired", state.Expired)
			if leader, ok := state.Snapshot.Leader(); ok {
				event = event.Str("leader", leader.BidderID)
			}
			if !state.Expired {
				event = event.Interface("suggested", auction.SuggestedBids(state.Snapshot, percentages))
			}
			event.Msg("auction update")
		}

		if state.Winner != nil && !won {
			log.Info().
				Str("auction_id", state.AuctionID).
				Str("amount", state.Winner.Bid.Amount.String()).
				Msg("you won this auction")
		}
		won = state.Winner != nil
		lastPrice = price
		wasExpired = state.Expired
	}
}

func logFeed(ctx context.Context, f *feed.Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.Changes():
			items := f.Items()
			liveCount := 0
			for _, item := range items {
				if item.Live {
					liveCount++
				}
			}
			log.Info().
				Int("items", len(items)).
				Int("live", liveCount).
				Strs("categories", f.Categories()).
				Msg("feed updated")
		}
	}
}

func logSales(ctx context.Context, d *sales.Dashboard) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.Changes():
			for _, item := range d.Items() {
				event := log.Info().
					Str("auction_id", item.Product.ID).
					Str("price", item.Product.CurrentPrice.String()).
					Str("remaining", item.Countdown.String())
				if item.Winner != nil {
					event = event.Str("winner", item.Winner.UserID).Str("winning_bid", item.Winner.BidAmount.String())
				}
				event.Msg("sale")
			}
			log.Info().Str("total", d.TotalEarnings().StringFixed(2)).Msg("total earnings")
		}
	}
}
