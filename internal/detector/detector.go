// Package detector computes which fetched items are genuinely new relative
// to a config's cursor and applies the config's content filters.
package detector

import (
	"encoding/json"
	"strings"

	"fanwatch/internal/models"
	"fanwatch/internal/platform"
)

// MaxKeywords caps include/exclude keyword lists on write.
const MaxKeywords = 20

// Diff takes a newest-first fetched window and the last seen item id and
// returns the new items in chronological order (oldest first, so
// notifications go out in publish order) plus the cursor to adopt.
//
// An empty lastItemID is the baseline check for a fresh subscription: no
// items are reported but the newest id is adopted, so the user is not
// flooded with historical content.
//
// A lastItemID missing from the window means the cursor fell out of the
// fetch window (high publish velocity or a long gap between checks); the
// whole window counts as new. Best effort, bounded by window size.
func Diff(fetched []platform.Item, lastItemID string) (newItems []platform.Item, cursor string) {
	if len(fetched) == 0 {
		return nil, lastItemID
	}
	cursor = fetched[0].ID
	if lastItemID == "" {
		return nil, cursor
	}

	cut := len(fetched)
	for i, item := range fetched {
		if item.ID == lastItemID {
			cut = i
			break
		}
	}
	if cut == 0 {
		return nil, cursor
	}

	newItems = make([]platform.Item, 0, cut)
	for i := cut - 1; i >= 0; i-- {
		newItems = append(newItems, fetched[i])
	}
	return newItems, cursor
}

// ApplyFilters drops items the config is not interested in. Runs after
// Diff and before persistence; filtered items still advance the cursor.
func ApplyFilters(items []platform.Item, cfg *models.MonitorConfig) []platform.Item {
	if cfg == nil || len(items) == 0 {
		return items
	}
	contentTypes := decodeList(cfg.ContentTypes)
	include := decodeList(cfg.Keywords)
	exclude := decodeList(cfg.ExcludeKeywords)
	if len(contentTypes) == 0 && len(include) == 0 && len(exclude) == 0 {
		return items
	}

	out := make([]platform.Item, 0, len(items))
	for _, item := range items {
		if len(contentTypes) > 0 && !containsFold(contentTypes, item.ContentType) {
			continue
		}
		text := item.Title + " " + item.Description
		if len(include) > 0 && !matchesAny(text, include) {
			continue
		}
		if len(exclude) > 0 && matchesAny(text, exclude) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// NormalizeKeywords trims, drops empties, dedupes, and caps a keyword list.
// Applied on config writes, mirroring what the store expects.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[strings.ToLower(kw)] {
			continue
		}
		seen[strings.ToLower(kw)] = true
		out = append(out, kw)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

func decodeList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
