package watcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// MaxListedTrades caps the /trades reply.
const MaxListedTrades = 20

const disclaimer = "⚠️ Attention : les données affichées ici sont gérées par un bot. " +
	"En cas de doute, référez-vous en priorité au canal annonces, car des erreurs sont possibles."

func (w *Watcher) getTrades() string {
	trades := w.reg.ListActive()
	if len(trades) == 0 {
		return "📭 Aucun trade ouvert pour le moment.\n\n" + disclaimer
	}
	if len(trades) > MaxListedTrades {
		trades = trades[len(trades)-MaxListedTrades:]
	}

	blocks := make([]string, 0, len(trades))
	for i, t := range trades {
		blocks = append(blocks, RenderTrade(i+1, t))
	}
	return strings.Join(blocks, "\n\n") + "\n\n" + disclaimer
}

// RenderTrade formats one numbered /trades block.
func RenderTrade(n int, t models.Trade) string {
	check := func(ok bool) string {
		if ok {
			return " ✅"
		}
		return ""
	}

	var entry string
	if t.Entry.IsRange() {
		entry = fmt.Sprintf("🏁 PE1: %s | PE2: %s%s", t.Entry.Low, t.Entry.High, check(t.EntryTouched))
	} else {
		entry = fmt.Sprintf("🏁 Entry : %s%s", t.Entry.Low, check(t.EntryTouched))
	}

	sl := fmt.Sprintf("🛡 SL : %s", t.StopLoss)
	if t.SLAtBreakeven {
		sl += " (BE)"
	}

	tps := make([]string, len(t.TakeProfits))
	for i, tp := range t.TakeProfits {
		tps[i] = fmt.Sprintf("TP%d: %s%s", i+1, tp.Price, check(tp.Touched))
	}
	tp := "🎯 TP : -"
	if len(tps) > 0 {
		tp = "🎯 " + strings.Join(tps, " | ")
	}

	lines := []string{
		fmt.Sprintf("📊 Trade #%d", n),
		fmt.Sprintf("%s – %s", t.Symbol, t.Direction),
		entry,
		sl,
		tp,
	}
	if !t.CreatedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("⏱ Créé : %s UTC", t.CreatedAt.UTC().Format("2006-01-02 15:04:05")))
	}
	return strings.Join(lines, "\n")
}

func (w *Watcher) getStatus() string {
	all := w.reg.List()
	var pending, active, closed int
	for _, t := range all {
		switch t.Status {
		case models.StatusPending:
			pending++
		case models.StatusActive:
			active++
		case models.StatusClosed:
			closed++
		}
	}
	last := w.LastCycle()

	var sb strings.Builder
	sb.WriteString("🤖 *ULYSSETIF BOT*\n")
	if w.opts.Version != "" {
		sb.WriteString(fmt.Sprintf("Version : %s\n", w.opts.Version))
	}
	sb.WriteString(fmt.Sprintf("⏱ Uptime : %s\n", w.Uptime().Truncate(time.Second)))
	sb.WriteString(fmt.Sprintf("📡 Source de prix : %s\n", w.oracle.Name()))
	sb.WriteString(fmt.Sprintf("🔁 Intervalle : %s\n\n", w.opts.PollInterval))
	sb.WriteString(fmt.Sprintf("📊 Trades : %d en attente | %d actifs | %d clôturés | %d archivés\n",
		pending, active, closed, len(w.reg.Archived())))

	if last.Started.IsZero() {
		sb.WriteString("Dernier cycle : aucun pour le moment")
		return sb.String()
	}
	sb.WriteString(fmt.Sprintf("Dernier cycle : %s UTC (%s)\n", last.Started.Format("15:04:05"), last.Duration.Truncate(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("• %d trade(s) vérifié(s), %d transition(s), %d prix indisponible(s), %d erreur(s)",
		last.Trades, last.Mutations, last.Unavailable, last.Failed))
	return sb.String()
}

func (w *Watcher) getHelp(admin bool) string {
	var sb strings.Builder
	sb.WriteString("🤖 *COMMANDES ULYSSETIF*\n\n")
	for _, cmd := range w.commands {
		if cmd.AdminOnly && !admin {
			continue
		}
		sb.WriteString(fmt.Sprintf("🔹 *%s*\n%s\n`%s`\n\n", cmd.Name, cmd.Description, cmd.Example))
	}
	return strings.TrimRight(sb.String(), "\n")
}
