// Package mock provides test doubles for the Discord API surfaces the
// bot consumes.
package mock

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentEmbed records one ChannelMessageSendEmbed call.
type SentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

// EditedEmbed records one ChannelMessageEditEmbed call.
type EditedEmbed struct {
	ChannelID string
	MessageID string
	Embed     *discordgo.MessageEmbed
}

// EmbedSender records embed sends and edits for test assertions. The zero
// value is ready to use; sends return message ids "msg-1", "msg-2", ...
type EmbedSender struct {
	mu    sync.Mutex
	sends []SentEmbed
	edits []EditedEmbed

	// SendErr is returned by ChannelMessageSendEmbed when non-nil.
	SendErr error

	// EditErr is returned by ChannelMessageEditEmbed when non-nil.
	EditErr error
}

// ChannelMessageSendEmbed records the send and returns a stub message.
func (m *EmbedSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendErr != nil {
		return nil, m.SendErr
	}
	m.sends = append(m.sends, SentEmbed{ChannelID: channelID, Embed: embed})
	return &discordgo.Message{ID: m.nextIDLocked()}, nil
}

// ChannelMessageEditEmbed records the edit and returns a stub message.
func (m *EmbedSender) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EditErr != nil {
		return nil, m.EditErr
	}
	m.edits = append(m.edits, EditedEmbed{ChannelID: channelID, MessageID: messageID, Embed: embed})
	return &discordgo.Message{ID: messageID}, nil
}

// Sends returns a copy of the recorded sends.
func (m *EmbedSender) Sends() []SentEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentEmbed(nil), m.sends...)
}

// Edits returns a copy of the recorded edits.
func (m *EmbedSender) Edits() []EditedEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EditedEmbed(nil), m.edits...)
}

// LastSend returns the most recently recorded send, or nil.
func (m *EmbedSender) LastSend() *SentEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sends) == 0 {
		return nil
	}
	return &m.sends[len(m.sends)-1]
}

// LastEdit returns the most recently recorded edit, or nil.
func (m *EmbedSender) LastEdit() *EditedEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return nil
	}
	return &m.edits[len(m.edits)-1]
}

// Reset clears all recorded calls and errors.
func (m *EmbedSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = nil
	m.edits = nil
	m.SendErr = nil
	m.EditErr = nil
}

// nextIDLocked mints a message id. Callers must hold mu.
func (m *EmbedSender) nextIDLocked() string {
	return "msg-" + strconv.Itoa(len(m.sends))
}
