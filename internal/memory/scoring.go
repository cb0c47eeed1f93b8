package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"xerus/internal/config"
	"xerus/internal/models"
)

// contentText flattens an arbitrary content payload to the text the scoring
// and classification heuristics operate on. Strings pass through; anything
// else is JSON-stringified the same way the durable store serializes it.
func contentText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// contentMap returns the payload as a key/value map when it is one, for
// tagged-object sniffing ({image}, {audio}, {tool}, {role, content}).
func contentMap(content any) map[string]any {
	m, _ := content.(map[string]any)
	return m
}

// relevanceScore computes the deterministic [0,1] relevance of an
// observation. Same inputs always produce the same score; the only clock
// input is the caller-provided now against the observation timestamp.
func relevanceScore(content any, sc models.StoreContext, md *models.Metadata, rules config.ScoringRules, now time.Time) float64 {
	score := rules.BaseScore

	if text, ok := content.(string); ok {
		if len(text) > rules.LongContentLength {
			score += rules.LengthBonus
		}
		if len(text) > rules.VeryLongContentLength {
			score += rules.LengthBonus
		}
	}

	text := strings.ToLower(contentText(content))
	if strings.Contains(text, "?") {
		score += rules.QuestionBonus
	}
	for _, keyword := range rules.Keywords {
		if strings.Contains(text, keyword) {
			score += rules.KeywordBonus
			break
		}
	}

	if sc.HasScreenshot {
		score += rules.ScreenshotBonus
	}
	if sc.IsUserInitiated {
		score += rules.UserInitiatedBonus
	}
	if sc.SessionStart {
		score += rules.SessionStartBonus
	}

	if md != nil {
		if md.IsImportant {
			score += rules.ImportantBonus
		}
		if md.UserRating > rules.RatingThreshold {
			score += rules.RatingBonus
		}
		if md.FollowUp {
			score += rules.FollowUpBonus
		}
	}

	if !sc.Timestamp.IsZero() && now.Sub(sc.Timestamp) < rules.RecencyWindow {
		score += rules.RecencyBonus
	}

	return clamp01(score)
}

// classifyContextType derives the entry type from content and flags.
// Priority: screenshot > audio > tool_result > text.
func classifyContextType(content any, sc models.StoreContext, md *models.Metadata) models.ContextType {
	obj := contentMap(content)

	if sc.HasScreenshot || hasKey(obj, "image") {
		return models.ContextTypeScreenshot
	}
	if sc.HasAudio || hasKey(obj, "audio") {
		return models.ContextTypeAudio
	}
	if (md != nil && md.IsToolResult) || hasKey(obj, "tool") {
		return models.ContextTypeToolResult
	}
	return models.ContextTypeText
}

// sinkEligible decides whether an entry is promoted to attention sink:
// high relevance, an explicit caller flag, or the persistence heuristic
// (session start, error content, long-running conversation).
func sinkEligible(score float64, content any, sc models.StoreContext, md *models.Metadata, sinkThreshold float64) bool {
	if score >= sinkThreshold {
		return true
	}
	if md != nil && md.IsAttentionSink {
		return true
	}
	if sc.SessionStart || sc.ConversationLength > 5 {
		return true
	}
	return strings.Contains(strings.ToLower(contentText(content)), "error")
}

// estimateTokens approximates the token footprint of the stringified
// content at 4 characters per token, rounding up.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func hasKey(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	_, ok := m[key]
	return ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
