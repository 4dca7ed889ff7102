package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/guildops/muster/internal/discord"
	"github.com/guildops/muster/internal/resolver"
)

// PlayingCommands holds the dependencies for /playing slash commands.
type PlayingCommands struct {
	resolver  *resolver.Resolver
	suggester *resolver.Suggester
}

// NewPlayingCommands creates a PlayingCommands handler.
func NewPlayingCommands(res *resolver.Resolver, suggester *resolver.Suggester) *PlayingCommands {
	return &PlayingCommands{resolver: res, suggester: suggester}
}

// Register registers the /playing command group with the router.
func (pc *PlayingCommands) Register(router *discord.CommandRouter) {
	def := pc.Definition()
	router.RegisterCommand("playing", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/playing set` or `/playing clear`.")
	})
	router.RegisterHandler("playing/set", pc.handleSet)
	router.RegisterHandler("playing/clear", pc.handleClear)
	router.RegisterAutocomplete("playing/set", pc.autocompleteGame)
}

// Definition returns the /playing ApplicationCommand for Discord registration.
func (pc *PlayingCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "playing",
		Description: "Tell the tracker what you are playing",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "set",
				Description: "Override the game detected from your presence",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:         discordgo.ApplicationCommandOptionString,
						Name:         "game",
						Description:  "Game you are playing",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "clear",
				Description: "Drop your manual override",
			},
		},
	}
}

// handleSet pins a manual game override for the calling user.
func (pc *PlayingCommands) handleSet(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := interactionUserID(i)
	if userID == "" {
		discord.RespondEphemeral(s, i, "Could not tell who you are.")
		return
	}

	var game string
	for _, opt := range subcommandOptions(i) {
		if opt.Name == "game" {
			game = opt.StringValue()
		}
	}
	if game == "" {
		discord.RespondEphemeral(s, i, "Please name a game.")
		return
	}

	pc.resolver.SetOverride(userID, game)
	minutes := int(pc.resolver.OverrideTTL().Minutes())
	discord.RespondEphemeral(s, i, fmt.Sprintf("Noted, you are playing **%s** for the next %d minutes.", game, minutes))
}

// handleClear drops the calling user's override.
func (pc *PlayingCommands) handleClear(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := interactionUserID(i)
	if userID == "" {
		discord.RespondEphemeral(s, i, "Could not tell who you are.")
		return
	}

	if pc.resolver.ClearOverride(userID) {
		discord.RespondEphemeral(s, i, "Override cleared, back to presence detection.")
		return
	}
	discord.RespondEphemeral(s, i, "You had no active override.")
}

// autocompleteGame suggests registry games for the focused option.
func (pc *PlayingCommands) autocompleteGame(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: gameChoices(ctx, pc.suggester, i)},
	})
}

// interactionUserID returns the invoking user's id in guild or DM context.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
