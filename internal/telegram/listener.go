package telegram

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/parser"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/registry"
)

// CommandHandler answers chat commands.
type CommandHandler interface {
	HandleCommand(ctx context.Context, text string, admin bool) string
	RequiresAdmin(text string) bool
}

// Config names the two chats the bot works with.
type Config struct {
	AnnounceChannelID int64
	DiscussionChatID  int64
}

// Listener long-polls updates. Calls posted in the announce channel become
// trades; commands sent in the discussion chat are answered there. The
// registry emits the resulting events.
type Listener struct {
	api      API
	cfg      Config
	parser   *parser.Parser
	reg      *registry.Registry
	commands CommandHandler
	reply    *Sender
}

func NewListener(api API, cfg Config, p *parser.Parser, reg *registry.Registry, commands CommandHandler) *Listener {
	return &Listener{
		api:      api,
		cfg:      cfg,
		parser:   p,
		reg:      reg,
		commands: commands,
		reply:    NewSender(api, cfg.DiscussionChatID),
	}
}

// Run blocks until ctx is done or the update channel closes.
func (l *Listener) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := l.api.GetUpdatesChan(u)

	log.Info().
		Int64("announce_channel", l.cfg.AnnounceChannelID).
		Int64("discussion_chat", l.cfg.DiscussionChatID).
		Msg("Telegram listener started")

	for {
		select {
		case <-ctx.Done():
			l.api.StopReceivingUpdates()
			log.Info().Msg("Telegram listener stopped")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			l.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate routes one update.
func (l *Listener) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil {
		msg = upd.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	isCommand := strings.HasPrefix(text, "/")

	switch {
	case msg.Chat.ID == l.cfg.AnnounceChannelID && !isCommand:
		l.handleAnnounce(ctx, msg, text)
	case msg.Chat.ID == l.cfg.DiscussionChatID && isCommand:
		l.handleCommand(ctx, msg, text)
	default:
		log.Debug().Int64("chat_id", msg.Chat.ID).Msg("Update ignored")
	}
}

func (l *Listener) handleAnnounce(ctx context.Context, msg *tgbotapi.Message, text string) {
	logger := log.With().Str("component", "listener").Int("message_id", msg.MessageID).Logger()

	trade, err := l.parser.Parse(text)
	if err != nil {
		var pe *apperr.ParseError
		if errors.As(err, &pe) && pe.CallLike() {
			logger.Warn().Err(err).Msg("Call rejected by parser")
			l.send(ctx, "⚠️ Call non enregistré : "+pe.Reason, 0, logger)
			return
		}
		logger.Debug().Err(err).Msg("Post is not a call")
		return
	}
	trade.OriginChatID = msg.Chat.ID
	trade.OriginMessageID = msg.MessageID

	id, err := l.reg.Create(ctx, trade)
	if err != nil {
		var ce *apperr.ConflictError
		if errors.As(err, &ce) {
			logger.Warn().Err(err).Str("symbol", trade.Symbol).Msg("Call rejected by registry")
			l.send(ctx, "⚠️ Call non enregistré ("+trade.Symbol+") : "+ce.Reason, 0, logger)
			return
		}
		logger.Error().Err(err).Msg("Create failed")
		return
	}
	logger.Debug().Str("trade_id", id).Msg("Call registered")
}

func (l *Listener) handleCommand(ctx context.Context, msg *tgbotapi.Message, text string) {
	logger := log.With().Str("component", "listener").Int("message_id", msg.MessageID).Logger()

	admin := false
	if l.commands.RequiresAdmin(text) {
		admin = l.isAdmin(msg, logger)
	}
	logger.Info().Str("command", strings.Fields(text)[0]).Bool("admin", admin).Msg("Command received")

	if reply := l.commands.HandleCommand(ctx, text, admin); reply != "" {
		l.send(ctx, reply, msg.MessageID, logger)
	}
}

// isAdmin checks the sender's membership status in the discussion chat. A
// message sent on behalf of the chat itself comes from an anonymous admin.
func (l *Listener) isAdmin(msg *tgbotapi.Message, logger zerolog.Logger) bool {
	if msg.SenderChat != nil && msg.SenderChat.ID == msg.Chat.ID {
		return true
	}
	if msg.From == nil {
		return false
	}
	member, err := l.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: msg.Chat.ID, UserID: msg.From.ID},
	})
	if err != nil {
		logger.Warn().Err(err).Int64("user_id", msg.From.ID).Msg("Admin check failed")
		return false
	}
	return member.IsAdministrator() || member.IsCreator()
}

func (l *Listener) send(ctx context.Context, text string, replyTo int, logger zerolog.Logger) {
	if err := l.reply.Reply(ctx, text, replyTo); err != nil {
		logger.Error().Err(err).Msg("Reply failed")
	}
}
