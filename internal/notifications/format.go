package notifications

import (
	"fmt"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
)

// Format renders e as chat text. Unknown kinds render as "".
func Format(e models.Event) string {
	h := e.Entry
	head := fmt.Sprintf("%s – %s", e.Symbol, e.Direction)

	switch e.Kind {
	case models.KindCreated:
		return fmt.Sprintf("🆕 Nouveau trade suivi : %s", head)
	case models.KindEntryTouched:
		return fmt.Sprintf("🏁 %s\nEntrée touchée à %s", head, h.Price)
	case models.KindTPTouched:
		return fmt.Sprintf("🎯 %s\nTP%d touché à %s ✅", head, h.Index+1, h.Price)
	case models.KindSLTouched:
		return fmt.Sprintf("🛑 %s\nSL touchée à %s", head, h.Price)
	case models.KindSLBreakeven:
		return fmt.Sprintf("🛡 %s\nSL passée au BE : %s → %s", head, h.OldValue, h.NewValue)
	case models.KindSLEdited:
		return fmt.Sprintf("✏️ %s\nSL mise à jour : %s → %s", head, h.OldValue, h.NewValue)
	case models.KindTPEdited:
		return fmt.Sprintf("✏️ %s\nTP%d mis à jour : %s → %s", head, h.Index+1, h.OldValue, h.NewValue)
	case models.KindClosed:
		switch h.Reason {
		case models.ReasonSLHit:
			return fmt.Sprintf("❌ %s\nTrade clôturé : SL touchée", head)
		case models.ReasonAllTPHit:
			return fmt.Sprintf("🏆 %s\nTrade clôturé : tous les TP atteints", head)
		default:
			return fmt.Sprintf("🧹 %s\nTrade clôturé manuellement", head)
		}
	case models.KindCleared:
		return fmt.Sprintf("🧹 %s retiré du suivi", head)
	case models.KindPriceUnavailable:
		return fmt.Sprintf("⚠️ %s\nPrix indisponible depuis plusieurs cycles (%s)", head, e.Err)
	case models.KindEvaluationFailed:
		return fmt.Sprintf("⚠️ %s\nErreur de suivi : %s", head, e.Err)
	}
	return ""
}
