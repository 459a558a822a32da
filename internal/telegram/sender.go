package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// MaxMessageLength is the Bot API limit for one text message.
const MaxMessageLength = 4096

// Sender writes to one chat. It implements notifications.Sink.
type Sender struct {
	api    API
	chatID int64
}

func NewSender(api API, chatID int64) *Sender {
	return &Sender{api: api, chatID: chatID}
}

// Send posts text to the chat.
func (s *Sender) Send(ctx context.Context, text string) error {
	return s.Reply(ctx, text, 0)
}

// Reply posts text as a reply to messageID (0 for a plain post). Texts over
// the limit are split on line boundaries. Markdown is tried first; if
// Telegram cannot parse the entities the chunk is resent as plain text.
func (s *Sender) Reply(ctx context.Context, text string, messageID int) error {
	for i, chunk := range splitMessage(text, MaxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(s.chatID, chunk)
		msg.ParseMode = tgbotapi.ModeMarkdown
		msg.DisableWebPagePreview = true
		if i == 0 {
			msg.ReplyToMessageID = messageID
		}

		_, err := s.api.Send(msg)
		if err != nil && isParseEntitiesError(err) {
			log.Debug().Err(err).Msg("Markdown rejected, resending as plain text")
			msg.ParseMode = ""
			_, err = s.api.Send(msg)
		}
		if err != nil {
			return fmt.Errorf("telegram: send to %d: %w", s.chatID, err)
		}
	}
	return nil
}

func isParseEntitiesError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// breaks. A single oversized line is hard-cut on a rune boundary.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			flush()
			cut := limit
			for cut > 0 && !isRuneStart(line[cut]) {
				cut--
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		if cur.Len()+len(line) > limit {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
