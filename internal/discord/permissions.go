package discord

import (
	"github.com/bwmarrin/discordgo"
)

// CanManage reports whether the interaction author holds the Manage Server
// permission, which gates binding administration. Returns false when the
// interaction carries no Member (e.g., DM channel interactions).
func CanManage(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionManageServer != 0
}
