package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/joshgarza/ratrace/internal/betting"
	"github.com/joshgarza/ratrace/internal/credentials"
	"github.com/joshgarza/ratrace/internal/eventsub"
	"github.com/joshgarza/ratrace/internal/httpserver"
	"github.com/joshgarza/ratrace/internal/hub"
	"github.com/joshgarza/ratrace/internal/platform/config"
	"github.com/joshgarza/ratrace/internal/platform/logging"
	"github.com/joshgarza/ratrace/internal/race"
	"github.com/joshgarza/ratrace/internal/twitch"
)

const shutdownGracePeriod = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized.
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCredentials(cfg *config.Config, clock clockwork.Clock) (*credentials.Store, *credentials.Manager) {
	store, err := credentials.OpenStore(cfg.CredentialDBPath)
	if err != nil {
		slog.Error("Failed to open credential store", "error", err)
		os.Exit(1)
	}

	manager, err := credentials.NewManager(store, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, clock)
	if err != nil {
		slog.Error("Failed to create credential manager", "error", err)
		os.Exit(1)
	}
	return store, manager
}

// buildSubscriptions declares the event types to register on each new
// session. Without a broadcaster id there is nothing to subscribe to.
func buildSubscriptions(cfg *config.Config) []eventsub.SubscriptionRequest {
	if cfg.BroadcasterUserID == "" {
		return nil
	}

	subs := []eventsub.SubscriptionRequest{{
		Type:    eventsub.TypeChatMessage,
		Version: "1",
		Condition: map[string]string{
			"broadcaster_user_id": cfg.BroadcasterUserID,
			"user_id":             cfg.BroadcasterUserID,
		},
	}}

	if cfg.BettingRewardID != "" {
		subs = append(subs, eventsub.SubscriptionRequest{
			Type:    eventsub.TypeRedemption,
			Version: "1",
			Condition: map[string]string{
				"broadcaster_user_id": cfg.BroadcasterUserID,
				"reward_id":           cfg.BettingRewardID,
			},
		})
	}
	return subs
}

// newDispatcher routes classified notifications to the domain projectors.
func newDispatcher(raceMgr *race.Manager, betMgr *betting.Manager) func(*eventsub.Notification) {
	return func(n *eventsub.Notification) {
		switch n.SubscriptionType {
		case eventsub.TypeChatMessage:
			var ev eventsub.ChatMessageEvent
			if err := json.Unmarshal(n.Event, &ev); err != nil {
				slog.Warn("Dropping malformed chat message event", "error", err)
				return
			}
			raceMgr.HandleChatMessage(race.ChatMessage{
				UserID:      ev.ChatterUserID,
				DisplayName: ev.ChatterUserName,
				LoginName:   ev.ChatterUserLogin,
				Color:       ev.Color,
				Text:        ev.Message.Text,
			})

		case eventsub.TypeRedemption:
			var ev eventsub.RedemptionEvent
			if err := json.Unmarshal(n.Event, &ev); err != nil {
				slog.Warn("Dropping malformed redemption event", "error", err)
				return
			}
			betMgr.HandleRedemption(betting.Redemption{
				UserID:      ev.UserID,
				DisplayName: ev.UserName,
				LoginName:   ev.UserLogin,
				RewardID:    ev.Reward.ID,
				Input:       ev.UserInput,
				RedeemedAt:  ev.RedeemedAt,
			})

		default:
			slog.Debug("Unhandled notification type", "type", n.SubscriptionType)
		}
	}
}

// pauseBettingReward best-effort disables the betting reward so viewers
// cannot bet while the process is down.
func pauseBettingReward(ctx context.Context, cfg *config.Config, creds *credentials.Manager, tc *twitch.Client) {
	if cfg.BettingRewardID == "" || cfg.BroadcasterUserID == "" {
		return
	}
	token, err := creds.ValidToken(ctx)
	if err != nil {
		slog.Warn("Cannot pause betting reward without a credential", "error", err)
		return
	}
	if err := tc.SetRewardPaused(ctx, token, cfg.BroadcasterUserID, cfg.BettingRewardID, true); err != nil {
		slog.Warn("Failed to pause betting reward", "error", err)
		return
	}
	slog.Info("Betting reward paused for shutdown", "reward_id", cfg.BettingRewardID)
}

func runGracefulShutdown(srv *httpserver.Server, session *eventsub.Session, h *hub.Hub, cfg *config.Config, creds *credentials.Manager, tc *twitch.Client) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		session.Close()
		pauseBettingReward(shutdownCtx, cfg, creds, tc)
		h.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	store, creds := setupCredentials(cfg, clock)
	defer store.Close()

	twitchClient, err := twitch.New(cfg.TwitchClientID, cfg.TwitchClientSecret, "")
	if err != nil {
		slog.Error("Failed to create Twitch client", "error", err)
		os.Exit(1)
	}

	overlayHub := hub.New()
	raceMgr := race.NewManager(cfg.RaceCommand, overlayHub, clock)
	betMgr := betting.NewManager(cfg.BettingRewardID, overlayHub)

	registrar := eventsub.NewRegistrar(creds, twitchClient)
	session := eventsub.New(cfg.EventSubURL, registrar, buildSubscriptions(cfg), newDispatcher(raceMgr, betMgr), clock)

	srv := httpserver.NewServer(cfg, creds, raceMgr, betMgr, session, overlayHub)

	// Resume the event session when a persisted credential is still good;
	// otherwise wait for the operator to authorize via /auth/login.
	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := creds.ValidToken(startupCtx); err == nil {
		session.Connect()
	} else {
		slog.Warn("No valid credential, visit /auth/login to authorize")
	}
	cancel()

	done := runGracefulShutdown(srv, session, overlayHub, cfg, creds, twitchClient)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
