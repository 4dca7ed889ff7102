// Package commands implements the Muster slash command surface: channel
// binding administration and manual playing overrides.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildops/muster/internal/binding"
	"github.com/guildops/muster/internal/discord"
	"github.com/guildops/muster/internal/resolver"
	"github.com/guildops/muster/pkg/store"
)

// maxGameChoices is the Discord cap on autocomplete responses.
const maxGameChoices = 25

// BindingCommands holds the dependencies for /binding slash commands.
type BindingCommands struct {
	store     store.BindingStore
	games     store.GameStore
	cache     *binding.Cache
	suggester *resolver.Suggester
}

// NewBindingCommands creates a BindingCommands handler.
func NewBindingCommands(
	st store.BindingStore,
	games store.GameStore,
	cache *binding.Cache,
	suggester *resolver.Suggester,
) *BindingCommands {
	return &BindingCommands{
		store:     st,
		games:     games,
		cache:     cache,
		suggester: suggester,
	}
}

// Register registers the /binding command group with the router.
func (bc *BindingCommands) Register(router *discord.CommandRouter) {
	def := bc.Definition()
	router.RegisterCommand("binding", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/binding bind`, `/binding unbind`, `/binding config`, or `/binding list`.")
	})
	router.RegisterHandler("binding/bind", bc.handleBind)
	router.RegisterHandler("binding/unbind", bc.handleUnbind)
	router.RegisterHandler("binding/config", bc.handleConfig)
	router.RegisterHandler("binding/list", bc.handleList)
	router.RegisterAutocomplete("binding/bind", bc.autocompleteGame)
}

// Definition returns the /binding ApplicationCommand for Discord registration.
func (bc *BindingCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "binding",
		Description: "Manage channel bindings for voice monitoring",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "bind",
				Description: "Bind a channel for monitoring or announcements",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Channel to bind",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "purpose",
						Description: "What the binding is for",
						Required:    true,
						Choices:     purposeChoices(),
					},
					{
						Type:         discordgo.ApplicationCommandOptionString,
						Name:         "game",
						Description:  "Game this channel is dedicated to",
						Autocomplete: true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "series",
						Description: "Recurring event series this binding follows",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "min-players",
						Description: "Members needed before a session spawns",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "grace-period",
						Description: "Seconds an emptied session lingers before completing",
					},
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "notify-channel",
						Description: "Channel that receives session notifications",
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "allow-chatting",
						Description: "Track members who are not playing anything",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "unbind",
				Description: "Remove a channel binding",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "channel",
						Description: "Channel to unbind",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "series",
						Description: "Series id when the channel carries several bindings",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "config",
				Description: "Update the configuration of an existing binding",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "id",
						Description: "Binding id from /binding list",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "min-players",
						Description: "Members needed before a session spawns",
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "grace-period",
						Description: "Seconds an emptied session lingers before completing",
					},
					{
						Type:        discordgo.ApplicationCommandOptionChannel,
						Name:        "notify-channel",
						Description: "Channel that receives session notifications",
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "allow-chatting",
						Description: "Track members who are not playing anything",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "purpose",
						Description: "Change what the binding is for",
						Choices:     purposeChoices(),
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List the channel bindings of this guild",
			},
		},
	}
}

// purposeChoices returns the selectable binding purposes.
func purposeChoices() []*discordgo.ApplicationCommandOptionChoice {
	return []*discordgo.ApplicationCommandOptionChoice{
		{Name: "Announcements", Value: string(store.PurposeAnnouncements)},
		{Name: "Voice monitor", Value: string(store.PurposeVoiceMonitor)},
		{Name: "General lobby", Value: string(store.PurposeGeneralLobby)},
	}
}

// bindRequest is a parsed and validated /binding bind invocation.
type bindRequest struct {
	binding  store.ChannelBinding
	gameName string
}

// handleBind upserts a binding and reports any channels the series moved
// away from.
func (bc *BindingCommands) handleBind(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !discord.CanManage(i) {
		discord.RespondEphemeral(s, i, "You need the Manage Server permission to manage bindings.")
		return
	}

	req, problem := parseBind(s, i)
	if problem != "" {
		discord.RespondEphemeral(s, i, problem)
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := bc.bind(ctx, req)
	if err != nil {
		slog.Warn("discord: bind failed", "channel_id", req.binding.ChannelID, "err", err)
		discord.FollowUp(s, i, fmt.Sprintf("Binding failed: %v", err))
		return
	}
	discord.FollowUp(s, i, msg)
}

// parseBind extracts the bind request from the interaction. The second
// return value is a user-facing protest, empty when the request is valid.
func parseBind(s *discordgo.Session, i *discordgo.InteractionCreate) (bindRequest, string) {
	opts := optionMap(subcommandOptions(i))

	channelOpt, ok := opts["channel"]
	if !ok {
		return bindRequest{}, "Please pick a channel."
	}
	purposeOpt, ok := opts["purpose"]
	if !ok {
		return bindRequest{}, "Please pick a purpose."
	}

	ch := resolvedChannel(i, channelOpt, s)
	kind := kindForChannel(ch.Type)

	purpose := store.BindingPurpose(purposeOpt.StringValue())
	if !purpose.IsValid() {
		return bindRequest{}, fmt.Sprintf("Unknown purpose %q.", string(purpose))
	}
	if problem := checkPurposeKind(purpose, kind); problem != "" {
		return bindRequest{}, problem
	}

	req := bindRequest{binding: store.ChannelBinding{
		GuildID:     i.GuildID,
		ChannelID:   ch.ID,
		ChannelKind: kind,
		Purpose:     purpose,
		Config:      configFromOptions(opts),
	}}
	if opt, ok := opts["series"]; ok {
		series := opt.StringValue()
		req.binding.RecurrenceGroupID = &series
	}
	if opt, ok := opts["game"]; ok {
		req.gameName = opt.StringValue()
	}
	return req, ""
}

// bind resolves the optional game name, upserts the binding and refreshes
// the lookup cache. The returned string is the user-facing report.
func (bc *BindingCommands) bind(ctx context.Context, req bindRequest) (string, error) {
	b := req.binding
	if req.gameName != "" {
		game, err := bc.games.GameByNameFold(ctx, req.gameName)
		if err != nil {
			return "", fmt.Errorf("commands: resolve game %q: %w", req.gameName, err)
		}
		if game == nil {
			return fmt.Sprintf("Unknown game **%s**. Register it first or pick a suggestion.", req.gameName), nil
		}
		b.GameID = &game.ID
	}

	bound, replaced, err := bc.store.UpsertBinding(ctx, b)
	if err != nil {
		return "", fmt.Errorf("commands: upsert binding: %w", err)
	}

	bc.cache.Invalidate(bound.ChannelID)
	for _, id := range replaced {
		bc.cache.Invalidate(id)
	}
	return bindMessage(bound, req.gameName, replaced), nil
}

// bindMessage builds the confirmation for a successful bind.
func bindMessage(b *store.ChannelBinding, gameName string, replaced []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bound <#%s> as %s", b.ChannelID, b.Purpose)
	if gameName != "" {
		fmt.Fprintf(&sb, " for **%s**", gameName)
	}
	sb.WriteString(".")
	if len(replaced) > 0 {
		mentions := make([]string, len(replaced))
		for n, id := range replaced {
			mentions[n] = "<#" + id + ">"
		}
		fmt.Fprintf(&sb, " The series moved here from %s.", strings.Join(mentions, ", "))
	}
	return sb.String()
}

// handleUnbind deletes a binding. Deleting nothing is reported, not an
// error.
func (bc *BindingCommands) handleUnbind(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !discord.CanManage(i) {
		discord.RespondEphemeral(s, i, "You need the Manage Server permission to manage bindings.")
		return
	}

	opts := optionMap(subcommandOptions(i))
	channelOpt, ok := opts["channel"]
	if !ok {
		discord.RespondEphemeral(s, i, "Please pick a channel.")
		return
	}
	channelID := channelOpt.ChannelValue(nil).ID

	var seriesID *string
	if opt, ok := opts["series"]; ok {
		v := opt.StringValue()
		seriesID = &v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deleted, err := bc.store.DeleteBinding(ctx, i.GuildID, channelID, seriesID)
	if err != nil {
		slog.Warn("discord: unbind failed", "channel_id", channelID, "err", err)
		discord.RespondError(s, i, err)
		return
	}
	if !deleted {
		discord.RespondEphemeral(s, i, "No binding matched.")
		return
	}

	bc.cache.Invalidate(channelID)
	discord.RespondEphemeral(s, i, fmt.Sprintf("Unbound <#%s>.", channelID))
}

// handleConfig merges the given options into a binding's configuration.
func (bc *BindingCommands) handleConfig(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !discord.CanManage(i) {
		discord.RespondEphemeral(s, i, "You need the Manage Server permission to manage bindings.")
		return
	}

	opts := optionMap(subcommandOptions(i))
	idOpt, ok := opts["id"]
	if !ok {
		discord.RespondEphemeral(s, i, "Please provide the binding id.")
		return
	}
	bindingID := idOpt.IntValue()

	patch := configFromOptions(opts)
	var purpose *store.BindingPurpose
	if opt, ok := opts["purpose"]; ok {
		p := store.BindingPurpose(opt.StringValue())
		if !p.IsValid() {
			discord.RespondEphemeral(s, i, fmt.Sprintf("Unknown purpose %q.", string(p)))
			return
		}
		purpose = &p
	}
	if patch == (store.BindingConfig{}) && purpose == nil {
		discord.RespondEphemeral(s, i, "Nothing to update.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updated, err := bc.store.UpdateBindingConfig(ctx, bindingID, patch, purpose)
	if errors.Is(err, store.ErrNotFound) {
		discord.RespondEphemeral(s, i, fmt.Sprintf("Binding %d not found.", bindingID))
		return
	}
	if err != nil {
		slog.Warn("discord: binding config update failed", "binding_id", bindingID, "err", err)
		discord.RespondError(s, i, err)
		return
	}

	bc.cache.Invalidate(updated.ChannelID)
	discord.RespondEphemeral(s, i, fmt.Sprintf("Updated binding %d on <#%s>.", updated.ID, updated.ChannelID))
}

// handleList shows every binding of the guild.
func (bc *BindingCommands) handleList(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bindings, err := bc.store.BindingsForGuild(ctx, i.GuildID)
	if err != nil {
		slog.Warn("discord: binding list failed", "guild_id", i.GuildID, "err", err)
		discord.RespondError(s, i, err)
		return
	}
	if len(bindings) == 0 {
		discord.RespondEphemeral(s, i, "No channels are bound in this guild.")
		return
	}
	discord.RespondEmbed(s, i, listEmbed(bindings))
}

// listEmbed renders one line per binding.
func listEmbed(bindings []store.ChannelBinding) *discordgo.MessageEmbed {
	var sb strings.Builder
	for _, b := range bindings {
		fmt.Fprintf(&sb, "`%d` <#%s> %s", b.ID, b.ChannelID, b.Purpose)
		if b.GameID != nil {
			fmt.Fprintf(&sb, " game:%d", *b.GameID)
		}
		if b.RecurrenceGroupID != nil {
			fmt.Fprintf(&sb, " series:%s", *b.RecurrenceGroupID)
		}
		sb.WriteString("\n")
	}
	return &discordgo.MessageEmbed{
		Title:       "Channel Bindings",
		Description: sb.String(),
	}
}

// autocompleteGame suggests registry games for the focused option.
func (bc *BindingCommands) autocompleteGame(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: gameChoices(ctx, bc.suggester, i)},
	})
}

// gameChoices builds autocomplete choices for the focused game option.
// Lookup failures yield no choices rather than an error; autocompletion
// is best effort.
func gameChoices(ctx context.Context, sg *resolver.Suggester, i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandOptionChoice {
	partial := focusedOptionValue(i)
	games, err := sg.Suggest(ctx, partial, maxGameChoices)
	if err != nil {
		slog.Debug("discord: game suggestion failed", "partial", partial, "err", err)
		return nil
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(games))
	for _, g := range games {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  g.Name,
			Value: g.Name,
		})
	}
	return choices
}

// configFromOptions collects the config fields present in the options.
// Absent options stay nil so merges only touch what the caller set.
func configFromOptions(opts map[string]*discordgo.ApplicationCommandInteractionDataOption) store.BindingConfig {
	var cfg store.BindingConfig
	if opt, ok := opts["min-players"]; ok {
		v := int(opt.IntValue())
		cfg.MinPlayers = &v
	}
	if opt, ok := opts["grace-period"]; ok {
		v := int(opt.IntValue())
		cfg.GracePeriodSec = &v
	}
	if opt, ok := opts["notify-channel"]; ok {
		id := opt.ChannelValue(nil).ID
		cfg.NotificationChannelID = &id
	}
	if opt, ok := opts["allow-chatting"]; ok {
		v := opt.BoolValue()
		cfg.AllowJustChatting = &v
	}
	return cfg
}

// checkPurposeKind reports why a purpose cannot live on a channel of the
// given kind, or empty when the pairing is fine.
func checkPurposeKind(p store.BindingPurpose, k store.ChannelKind) string {
	switch p {
	case store.PurposeAnnouncements:
		if k != store.ChannelText {
			return "Announcement bindings need a text channel."
		}
	case store.PurposeVoiceMonitor, store.PurposeGeneralLobby:
		if k != store.ChannelVoice {
			return "Voice monitoring needs a voice channel."
		}
	}
	return ""
}

// kindForChannel maps a Discord channel type onto the binding taxonomy.
func kindForChannel(t discordgo.ChannelType) store.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return store.ChannelVoice
	default:
		return store.ChannelText
	}
}

// resolvedChannel returns the channel option's target, preferring the
// interaction's resolved data over a state lookup.
func resolvedChannel(i *discordgo.InteractionCreate, opt *discordgo.ApplicationCommandInteractionDataOption, s *discordgo.Session) *discordgo.Channel {
	if res := i.ApplicationCommandData().Resolved; res != nil {
		if id, ok := opt.Value.(string); ok {
			if ch, ok := res.Channels[id]; ok {
				return ch
			}
		}
	}
	return opt.ChannelValue(s)
}

// subcommandOptions returns the options of the invoked subcommand.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Options[0].Options
	}
	return nil
}

// focusedOptionValue returns the value of the option the user is typing
// in during autocompletion.
func focusedOptionValue(i *discordgo.InteractionCreate) string {
	for _, opt := range subcommandOptions(i) {
		if opt.Focused {
			return opt.StringValue()
		}
	}
	return ""
}

// optionMap indexes subcommand options by name.
func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}
