// Package discord adapts the chat service to the presence engine. It owns
// the discordgo.Session lifecycle, feeds voice-state and presence events
// into the ingest gateway, recovers channel occupancy when a guild becomes
// available, routes slash commands, and renders session notification
// embeds.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildops/muster/internal/gateway"
	"github.com/guildops/muster/internal/session"
)

// recoverTimeout bounds the store reads of one guild's occupancy recovery.
const recoverTimeout = 30 * time.Second

// Config holds Discord bot configuration.
type Config struct {
	// Session is the discordgo session to run, built with [NewSession] so
	// the required intents are set. The bot owns its lifecycle: Run opens
	// it, Close closes it.
	Session *discordgo.Session

	// GuildID scopes slash-command registration and recovery to one guild.
	// Empty registers commands globally and recovers every guild.
	GuildID string

	// Gateway receives voice-state and presence events.
	Gateway *gateway.Gateway

	// Table gets display-name refreshes when members join the guild.
	Table *session.Table

	// Logger for connection lifecycle reporting. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// NewSession builds the discordgo session the bot and the notification
// renderer share. The session is not connected yet; [Bot.Run] opens it.
func NewSession(token string) (*discordgo.Session, error) {
	sess, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMembers
	return sess, nil
}

// Bot owns the Discord gateway connection. Events flow out through the
// ingest gateway; interactions flow out through the command router.
type Bot struct {
	mu        sync.Mutex
	session   *discordgo.Session
	gateway   *gateway.Gateway
	table     *session.Table
	router    *CommandRouter
	guildID   string
	logger    *slog.Logger
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New wires a Bot around the session. Every event handler attaches here,
// before the connection opens, so the first GuildCreate burst after Run
// connects already feeds recovery.
func New(cfg Config) (*Bot, error) {
	if cfg.Session == nil {
		return nil, errors.New("discord: config needs a session")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bot{
		session: cfg.Session,
		gateway: cfg.Gateway,
		table:   cfg.Table,
		router:  NewCommandRouter(),
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}

	sess := cfg.Session
	sess.AddHandler(b.onReady)
	sess.AddHandler(b.onGuildCreate)
	sess.AddHandler(b.onVoiceStateUpdate)
	sess.AddHandler(b.onPresenceUpdate)
	sess.AddHandler(b.onGuildMemberAdd)
	sess.AddHandler(b.onDisconnect)
	sess.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	return b, nil
}

// Router returns the command router for registering handlers. Commands
// registered before Run are included in the bulk overwrite.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Run opens the gateway connection, registers slash commands with the
// Discord API, and blocks until ctx is cancelled. Open waits for the
// initial Ready, so the application id is known once it returns.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	appID := b.session.State.User.ID
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		b.logger.Info("discord commands registered", slog.Int("count", len(registered)))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					b.logger.Warn("failed to delete command",
						slog.String("name", cmd.Name),
						slog.String("error", err.Error()))
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}
		b.logger.Info("discord bot closed")
	})
	return closeErr
}

func (b *Bot) onReady(_ *discordgo.Session, e *discordgo.Ready) {
	b.logger.Info("discord gateway ready",
		slog.String("user", e.User.Username),
		slog.Int("guilds", len(e.Guilds)))
}

// onGuildCreate runs occupancy recovery. Voice states arrive with the
// guild payload, on initial connect and whenever a guild comes back after
// an outage, so recovery naturally reruns when it must.
func (b *Bot) onGuildCreate(_ *discordgo.Session, e *discordgo.GuildCreate) {
	if b.guildID != "" && e.ID != b.guildID {
		return
	}

	occupancy := buildOccupancy(e.Guild)
	if len(occupancy) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
	defer cancel()

	if err := b.gateway.Recover(ctx, e.ID, occupancy); err != nil {
		b.logger.Warn("voice occupancy recovery failed",
			slog.String("guild_id", e.ID),
			slog.String("error", err.Error()))
		return
	}
	b.logger.Info("voice occupancy recovered",
		slog.String("guild_id", e.ID),
		slog.Int("channels", len(occupancy)))
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	if e.Member != nil && e.Member.User != nil && e.Member.User.Bot {
		return
	}

	var old string
	if e.BeforeUpdate != nil {
		old = e.BeforeUpdate.ChannelID
	}
	b.gateway.HandleVoiceState(gateway.VoiceUpdate{
		GuildID:      e.GuildID,
		UserID:       e.UserID,
		OldChannelID: old,
		NewChannelID: e.ChannelID,
		Hint:         gateway.MemberHint{Username: displayName(e.Member)},
	})
}

func (b *Bot) onPresenceUpdate(_ *discordgo.Session, e *discordgo.PresenceUpdate) {
	if e.User == nil || e.User.Bot {
		return
	}
	b.gateway.HandlePresence(e.GuildID, e.User.ID, gateway.MemberHint{
		Username: e.User.Username,
		Activity: primaryGameActivity(e.Activities),
	})
}

func (b *Bot) onGuildMemberAdd(_ *discordgo.Session, e *discordgo.GuildMemberAdd) {
	if e.User == nil || e.User.Bot {
		return
	}
	if n := b.table.UpdateUsername(e.User.ID, displayName(e.Member)); n > 0 {
		b.logger.Debug("refreshed member display name",
			slog.String("discord_user_id", e.User.ID),
			slog.Int("sessions", n))
	}
}

func (b *Bot) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	b.gateway.Disconnect()
	b.logger.Warn("discord gateway disconnected, pending voice events dropped")
}

// buildOccupancy maps the guild's voice states to per-channel occupant
// lists, enriched with display names and current game activities.
func buildOccupancy(g *discordgo.Guild) map[string][]gateway.Occupant {
	names := make(map[string]string, len(g.Members))
	bots := make(map[string]bool)
	for _, m := range g.Members {
		if m.User == nil {
			continue
		}
		names[m.User.ID] = displayName(m)
		if m.User.Bot {
			bots[m.User.ID] = true
		}
	}

	activities := make(map[string]string, len(g.Presences))
	for _, p := range g.Presences {
		if p.User == nil {
			continue
		}
		activities[p.User.ID] = primaryGameActivity(p.Activities)
	}

	occupancy := make(map[string][]gateway.Occupant)
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == "" || bots[vs.UserID] {
			continue
		}
		occupancy[vs.ChannelID] = append(occupancy[vs.ChannelID], gateway.Occupant{
			UserID: vs.UserID,
			Hint: gateway.MemberHint{
				Username: names[vs.UserID],
				Activity: activities[vs.UserID],
			},
		})
	}
	return occupancy
}

// displayName prefers the guild nickname over the account username.
func displayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User != nil {
		return m.User.Username
	}
	return ""
}

// primaryGameActivity returns the name of the member's first game-type
// activity. Custom statuses, streams and the like never resolve to games.
func primaryGameActivity(activities []*discordgo.Activity) string {
	for _, a := range activities {
		if a != nil && a.Type == discordgo.ActivityTypeGame {
			return a.Name
		}
	}
	return ""
}
