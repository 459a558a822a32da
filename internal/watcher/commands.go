package watcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/parser"
)

type CommandDoc struct {
	Name        string
	Description string
	Example     string
	AdminOnly   bool
}

var tpFieldRe = regexp.MustCompile(`^tp(\d{1,2})$`)

// HandleCommand processes an inbound chat command. admin tells whether the
// sender administers the discussion chat. The reply is "" when nothing should
// be sent.
func (w *Watcher) HandleCommand(ctx context.Context, text string, admin bool) string {
	parts := strings.Fields(text)
	cmd := commandName(parts)
	if cmd == "" {
		return ""
	}

	doc, known := w.lookupCommand(cmd)
	if !known {
		return "❓ Commande inconnue. Essaie /help."
	}
	if doc.AdminOnly && !admin {
		return fmt.Sprintf("⛔ Seuls les admins du chat peuvent utiliser %s.", cmd)
	}

	switch cmd {
	case "/trades":
		return w.getTrades()
	case "/help":
		return w.getHelp(admin)
	case "/start":
		return "Bot UlysseTif prêt à stocker les calls 📈\nUtilise /trades pour voir les trades ouverts."
	case "/status":
		return w.getStatus()
	case "/ping":
		return "Pong 🏓"
	case "/clear":
		return w.handleClearCommand(ctx, parts[1:])
	case "/edit":
		return w.handleEditCommand(ctx, parts[1:])
	}
	return ""
}

// RequiresAdmin reports whether text is a known admin-only command.
func (w *Watcher) RequiresAdmin(text string) bool {
	doc, ok := w.lookupCommand(commandName(strings.Fields(text)))
	return ok && doc.AdminOnly
}

// commandName returns the lowercased command without its "@bot" suffix.
func commandName(parts []string) string {
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return ""
	}
	cmd := strings.ToLower(parts[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd
}

func (w *Watcher) lookupCommand(name string) (CommandDoc, bool) {
	for _, c := range w.commands {
		if c.Name == name {
			return c, true
		}
	}
	return CommandDoc{}, false
}

func (w *Watcher) handleClearCommand(ctx context.Context, args []string) string {
	if len(args) == 0 {
		n, err := w.reg.ClearAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Clear all failed")
			return fmt.Sprintf("⚠️ Erreur pendant la suppression : %v", err)
		}
		log.Info().Int("removed", n).Msg("All trades cleared by admin")
		return "🧹 Tous les trades ont été supprimés."
	}

	symbol := strings.ToUpper(args[0])
	n, err := w.reg.ClearBySymbol(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Clear by symbol failed")
		return fmt.Sprintf("⚠️ Erreur pendant la suppression : %v", err)
	}
	if n == 0 {
		return fmt.Sprintf("ℹ️ Aucun trade trouvé pour '%s'.", symbol)
	}
	log.Info().Int("removed", n).Str("symbol", symbol).Msg("Trades cleared by admin")
	return fmt.Sprintf("🧹 %d trade(s) supprimé(s) pour '%s'.", n, symbol)
}

const editUsage = "❓ Usage :\n/edit BTC sl 102458\n/edit BTC tp1 106453"

// handleEditCommand turns "/edit SYMBOL sl|tpN VALUE" into an EditRequest on
// the most recent open trade for SYMBOL.
func (w *Watcher) handleEditCommand(ctx context.Context, args []string) string {
	if len(args) < 3 {
		return editUsage
	}
	symbol := strings.ToUpper(args[0])
	field := strings.ToLower(args[1])

	value, err := parser.ParseNumber(args[2])
	if err != nil || !value.IsPositive() {
		return fmt.Sprintf("❌ Valeur invalide : %s", args[2])
	}

	req := models.EditRequest{NewValue: value, Index: -1}
	switch {
	case field == "sl":
		req.Field = models.FieldSL
	case tpFieldRe.MatchString(field):
		n, _ := strconv.Atoi(tpFieldRe.FindStringSubmatch(field)[1])
		if n < 1 {
			return "❌ Index de TP invalide."
		}
		req.Field = models.FieldTP
		req.Index = n - 1
	default:
		return "❌ Champ non supporté. Utilise :\n- 'sl' pour la stop-loss\n- 'tp1', 'tp2', ... pour les take-profits"
	}

	trade, err := w.reg.FindLatest(symbol)
	if err != nil {
		return fmt.Sprintf("ℹ️ Aucun trade trouvé pour '%s'.", symbol)
	}
	req.TradeID = trade.ID

	updated, err := w.reg.Edit(ctx, req)
	if err != nil {
		var ce *apperr.ConflictError
		switch {
		case errors.As(err, &ce):
			return fmt.Sprintf("❌ Modification refusée : %s", ce.Reason)
		case errors.Is(err, apperr.ErrNotFound):
			return fmt.Sprintf("ℹ️ Aucun trade trouvé pour '%s'.", symbol)
		}
		log.Error().Err(err).Str("trade_id", trade.ID).Msg("Edit failed")
		return fmt.Sprintf("⚠️ Erreur : %v", err)
	}

	log.Info().
		Str("trade_id", updated.ID).
		Str("symbol", updated.Symbol).
		Str("field", string(req.Field)).
		Int("tp_index", req.Index).
		Str("value", value.String()).
		Msg("Trade edited by admin")

	if req.Field == models.FieldSL {
		return fmt.Sprintf("✏️ SL mise à jour pour %s : %s.", updated.Symbol, value)
	}
	return fmt.Sprintf("✏️ TP%d mis à jour pour %s : %s.", req.Index+1, updated.Symbol, value)
}
