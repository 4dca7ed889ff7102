package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildops/muster/internal/notify"
	"github.com/guildops/muster/internal/resilience"
	"github.com/guildops/muster/internal/roster"
)

// embedColorGreen is the embed sidebar color for a running session.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color for a completed session.
const embedColorRed = 0xE74C3C

// rosterLineLimit caps the roster block. Discord rejects embed field
// values over 1024 characters.
const rosterLineLimit = 20

// EmbedSender is the slice of the Discord API the renderer needs.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ EmbedSender = (*discordgo.Session)(nil)

// RendererConfig holds dependencies for creating a Renderer.
type RendererConfig struct {
	// Sender posts and edits messages, usually the bot session.
	Sender EmbedSender

	// Location is the timezone session times are presented in. Nil means
	// UTC.
	Location *time.Location

	// Logger for delivery failures. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Renderer turns session notification payloads into Discord embeds. API
// calls go through a circuit breaker, so a chat-service outage fails fast
// instead of stalling the engines behind HTTP timeouts.
type Renderer struct {
	sender  EmbedSender
	breaker *resilience.CircuitBreaker
	loc     *time.Location
	logger  *slog.Logger
}

var _ notify.Renderer = (*Renderer)(nil)

// NewRenderer creates a Renderer with the given configuration.
func NewRenderer(cfg RendererConfig) *Renderer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Renderer{
		sender: cfg.Sender,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "discord-notify",
		}),
		loc:    cfg.Location,
		logger: cfg.Logger,
	}
}

// SendOrEdit renders the payload and posts a new message when messageID is
// empty, or edits the existing one otherwise. On failure the old message id
// is returned so the caller's tracking state survives for the next attempt.
func (r *Renderer) SendOrEdit(ctx context.Context, channelID, messageID string, p notify.Payload) (string, error) {
	embed := buildSessionEmbed(p, r.loc)

	id := messageID
	err := r.breaker.Execute(func() error {
		if messageID == "" {
			msg, sendErr := r.sender.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
			if sendErr != nil {
				return sendErr
			}
			id = msg.ID
			return nil
		}
		_, editErr := r.sender.ChannelMessageEditEmbed(channelID, messageID, embed, discordgo.WithContext(ctx))
		return editErr
	})
	if err != nil {
		return messageID, fmt.Errorf("discord: render session notification %d: %w", p.EventID, err)
	}
	return id, nil
}

// buildSessionEmbed creates the notification embed for one session payload.
func buildSessionEmbed(p notify.Payload, loc *time.Location) *discordgo.MessageEmbed {
	running := p.Kind != notify.KindCompleted

	end := time.Now()
	if p.EndedAt != nil {
		end = *p.EndedAt
	}
	duration := end.Sub(p.StartedAt)

	color := embedColorGreen
	footer := "Session running"
	players := fmt.Sprintf("%d", p.Roster.ActiveCount)
	if !running {
		color = embedColorRed
		footer = "Session ended"
		players = fmt.Sprintf("%d", len(p.Roster.Participants))
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Started", Value: p.StartedAt.In(loc).Format("15:04 MST, Mon 2 Jan"), Inline: true},
		{Name: "Duration", Value: formatDuration(duration), Inline: true},
		{Name: "Players", Value: players, Inline: true},
	}

	if block := rosterBlock(p.Roster, running); block != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Roster",
			Value: block,
		})
	}

	return &discordgo.MessageEmbed{
		Title:  p.Title,
		Color:  color,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: footer,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// rosterBlock renders the participant list as a code block, one line per
// member with their accumulated time. Members who left a running session
// are marked. Returns empty string for an empty roster.
func rosterBlock(ro roster.Roster, running bool) string {
	if len(ro.Participants) == 0 {
		return ""
	}

	shown := ro.Participants
	overflow := 0
	if len(shown) > rosterLineLimit {
		overflow = len(shown) - rosterLineLimit
		shown = shown[:rosterLineLimit]
	}

	width := 0
	for _, m := range shown {
		if len(m.DiscordUsername) > width {
			width = len(m.DiscordUsername)
		}
	}

	var b strings.Builder
	b.WriteString("```\n")
	for _, m := range shown {
		total := time.Duration(m.TotalDurationSeconds) * time.Second
		fmt.Fprintf(&b, "%-*s %s", width, m.DiscordUsername, formatDuration(total))
		if running && m.LeftAt != nil {
			b.WriteString(" (left)")
		}
		b.WriteString("\n")
	}
	if overflow > 0 {
		fmt.Fprintf(&b, "+%d more\n", overflow)
	}
	b.WriteString("```")
	return b.String()
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
