package debugserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/winningbid/go/internal/auction"
	"github.com/mcdev12/winningbid/go/internal/channel"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// StateProvider exposes the auctions currently held by the process
type StateProvider interface {
	Snapshot(auctionID string) (auction.Snapshot, bool)
	Held() map[string]int
}

// StatsProvider reports the realtime channel status
type StatsProvider interface {
	Stats() channel.Stats
}

// AuctionStateResponse is the state of one held auction
type AuctionStateResponse struct {
	Snapshot    auction.Snapshot     `json:"snapshot"`
	Countdown   auction.Remaining    `json:"countdown"`
	Ended       bool                 `json:"ended"`
	Suggestions []auction.Suggestion `json:"suggestions"`
	Refs        int                  `json:"refs"`
}

// StatsResponse summarizes the process
type StatsResponse struct {
	Channel channel.Stats  `json:"channel"`
	Held    map[string]int `json:"held"`
}

// Options configures a Server
type Options struct {
	Addr        string
	Percentages []int
	Clock       clockwork.Clock
}

// Server is a read-only HTTP view of the local auction state
type Server struct {
	state       StateProvider
	stats       StatsProvider
	percentages []int
	clock       clockwork.Clock
}

func New(state StateProvider, stats StatsProvider, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Server{
		state:       state,
		stats:       stats,
		percentages: opts.Percentages,
		clock:       opts.Clock,
	}
}

// Routes builds the router, wrapped with CORS
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/auctions", s.handleListAuctions)
		r.Get("/auctions/{id}/state", s.handleAuctionState)
		r.Get("/stats", s.handleStats)
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// HTTPServer returns an h2c-capable server listening on addr
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Routes(), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// handleListAuctions handles GET /api/auctions
func (s *Server) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.state.Held())
}

// handleAuctionState handles GET /api/auctions/{id}/state
func (s *Server) handleAuctionState(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "id")
	if auctionID == "" {
		http.Error(w, "Auction ID is required", http.StatusBadRequest)
		return
	}

	snap, ok := s.state.Snapshot(auctionID)
	if !ok {
		http.Error(w, "Auction not held", http.StatusNotFound)
		return
	}

	now := s.clock.Now()
	countdown := auction.Tick(snap.EndTime, now)
	writeJSON(w, AuctionStateResponse{
		Snapshot:    snap,
		Countdown:   countdown,
		Ended:       countdown.Expired || snap.Status.IsTerminal(),
		Suggestions: auction.SuggestedBids(snap, s.percentages),
		Refs:        s.state.Held()[auctionID],
	})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Held: s.state.Held()}
	if s.stats != nil {
		resp.Channel = s.stats.Stats()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
