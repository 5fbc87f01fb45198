// Package chatbot is the Discord front-end for Selene. It owns the
// discordgo.Session lifecycle, maps incoming channel messages to engine
// requests, and posts the reply back, split into Discord-sized chunks.
//
// The bot uses the engine's non-streaming entry point: Discord has no
// incremental message delivery worth the edit-spam, so the full reply is
// posted once.
package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/selenehq/selene/internal/config"
	"github.com/selenehq/selene/internal/engine"
)

// maxMessageLen is Discord's hard limit on message content length.
const maxMessageLen = 2000

// Sender abstracts the discordgo.Session calls the bot makes, so the
// message handler can be tested without a live gateway connection.
type Sender interface {
	ChannelTyping(channelID string, options ...discordgo.RequestOption) (err error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot bridges Discord messages to the engine.
type Bot struct {
	session *discordgo.Session
	engine  *engine.Engine

	// allowed is the channel allow-list. Empty means every channel.
	allowed map[string]struct{}

	mu       sync.RWMutex
	channels map[string]config.ChannelConfig
}

// New creates a Bot from cfg. The session is created but not opened; call
// [Bot.Run] to connect. channelCfg supplies per-channel overrides.
func New(cfg config.DiscordConfig, e *engine.Engine, channelCfg []config.ChannelConfig) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("chatbot: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	b := newBot(e, cfg.ChannelIDs, channelCfg)
	b.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
			return
		}
		b.handleMessage(context.Background(), s, m)
	})

	return b, nil
}

// newBot wires the non-Discord parts; split out for tests.
func newBot(e *engine.Engine, allowedIDs []string, channelCfg []config.ChannelConfig) *Bot {
	b := &Bot{
		engine:   e,
		allowed:  make(map[string]struct{}, len(allowedIDs)),
		channels: make(map[string]config.ChannelConfig, len(channelCfg)),
	}
	for _, id := range allowedIDs {
		b.allowed[id] = struct{}{}
	}
	for _, ch := range channelCfg {
		b.channels[ch.ID] = ch
	}
	return b
}

// UpdateChannels replaces the per-channel overrides on config reload.
func (b *Bot) UpdateChannels(channels []config.ChannelConfig) {
	next := make(map[string]config.ChannelConfig, len(channels))
	for _, ch := range channels {
		next[ch.ID] = ch
	}
	b.mu.Lock()
	b.channels = next
	b.mu.Unlock()
}

// Run opens the gateway connection and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("chatbot: open session: %w", err)
	}
	slog.Info("discord bot connected")

	<-ctx.Done()

	if err := b.session.Close(); err != nil {
		return fmt.Errorf("chatbot: close session: %w", err)
	}
	return ctx.Err()
}

// handleMessage processes one inbound Discord message end to end.
func (b *Bot) handleMessage(ctx context.Context, snd Sender, m *discordgo.MessageCreate) {
	if !b.allowedChannel(m.ChannelID) {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	if err := snd.ChannelTyping(m.ChannelID); err != nil {
		slog.Debug("typing indicator failed", "channel_id", m.ChannelID, "error", err)
	}

	reply, err := b.engine.Respond(ctx, b.toRequest(m.Author.ID, m.ChannelID, content))
	if err != nil {
		slog.Error("discord request failed", "channel_id", m.ChannelID, "error", err)
		b.send(snd, m, "Sorry, something went wrong. Please try again.")
		return
	}
	if reply.Content == "" {
		return
	}

	b.send(snd, m, reply.Content)
}

// allowedChannel applies the configured channel allow-list.
func (b *Bot) allowedChannel(channelID string) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[channelID]
	return ok
}

// toRequest builds the engine request for a Discord message, applying the
// channel's configured overrides. One session per channel: everyone in the
// channel shares a conversation, like any other group chat member.
func (b *Bot) toRequest(userID, channelID, content string) engine.Request {
	req := engine.Request{
		UserID:    userID,
		SessionID: "discord:" + channelID,
		ChannelID: channelID,
		Message:   content,
	}
	b.mu.RLock()
	ch, ok := b.channels[channelID]
	b.mu.RUnlock()
	if ok {
		switch ch.RouteOverride {
		case config.OverrideNameThinking:
			req.Thinking = true
		case config.OverrideNameFast:
			req.Fast = true
		}
		req.VerbatimOverride = ch.VerbatimCount
	}
	return req
}

// send posts content as a reply, split into Discord-sized chunks.
func (b *Bot) send(snd Sender, m *discordgo.MessageCreate, content string) {
	for _, chunk := range splitMessage(content, maxMessageLen) {
		if _, err := snd.ChannelMessageSendReply(m.ChannelID, chunk, m.Reference()); err != nil {
			slog.Warn("discord send failed", "channel_id", m.ChannelID, "error", err)
			return
		}
	}
}

// splitMessage splits s into chunks of at most limit runes (Discord counts
// characters, not bytes), preferring newline then space boundaries so
// sentences stay intact.
func splitMessage(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var chunks []string
	for utf8.RuneCountInString(s) > limit {
		window := runeIndex(s, limit)
		cut := window
		if i := strings.LastIndexByte(s[:window], '\n'); i > 0 {
			cut = i
		} else if i := strings.LastIndexByte(s[:window], ' '); i > 0 {
			cut = i
		}
		chunks = append(chunks, strings.TrimSpace(s[:cut]))
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// runeIndex returns the byte offset just past the first n runes of s.
func runeIndex(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
