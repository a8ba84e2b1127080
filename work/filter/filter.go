package filter

import (
	"strings"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"

	"github.com/grafana/regexp"
)

// EventFilter applies the configured category allowlist and title
// include/exclude patterns to the event list before reconciliation.
// Patterns are compiled once at construction; an invalid pattern logs an
// error and acts as no filter, matching how a bad pattern should degrade:
// noisy channel list beats silent empty one.
type EventFilter struct {
	categories map[string]bool // lowercased category allowlist, empty = all
	include    *regexp.Regexp  // title must match when set
	exclude    *regexp.Regexp  // title must not match when set
}

// New compiles an EventFilter from config values.
//
// Parameters:
//   - categories: category allowlist (empty slice = keep all categories)
//   - includePattern: regex event titles must match ("" = no include filter)
//   - excludePattern: regex that removes matching event titles ("" = none)
//
// Returns:
//   - *EventFilter: ready-to-use filter
func New(categories []string, includePattern, excludePattern string) *EventFilter {
	f := &EventFilter{}

	if len(categories) > 0 {
		f.categories = make(map[string]bool, len(categories))
		for _, c := range categories {
			c = strings.TrimSpace(strings.ToLower(c))
			if c != "" {
				f.categories[c] = true
			}
		}
	}

	if includePattern != "" {
		compiled, err := regexp.Compile("(?i)" + includePattern)
		if err != nil {
			logger.Error("[FILTER] Failed to compile include pattern '%s': %v", includePattern, err)
		} else {
			f.include = compiled
		}
	}
	if excludePattern != "" {
		compiled, err := regexp.Compile("(?i)" + excludePattern)
		if err != nil {
			logger.Error("[FILTER] Failed to compile exclude pattern '%s': %v", excludePattern, err)
		} else {
			f.exclude = compiled
		}
	}

	return f
}

// Apply returns the events that survive the category and title filters,
// preserving input order.
func (f *EventFilter) Apply(events []types.Event) []types.Event {
	if f.categories == nil && f.include == nil && f.exclude == nil {
		return events
	}

	filtered := make([]types.Event, 0, len(events))
	for _, ev := range events {
		if f.shouldInclude(&ev) {
			filtered = append(filtered, ev)
		}
	}

	logger.Debug("[FILTER] Filtered %d -> %d events", len(events), len(filtered))
	return filtered
}

// shouldInclude evaluates one event against the filter set. The category
// allowlist is checked first, then the include pattern (when present the
// title must match it), then the exclude pattern.
func (f *EventFilter) shouldInclude(ev *types.Event) bool {
	if f.categories != nil && !f.categories[strings.ToLower(ev.Category)] {
		logger.Debug("[FILTER] EXCLUDED by category: '%s' (%s)", ev.Title, ev.Category)
		return false
	}

	title := strings.TrimSpace(ev.Title)

	if f.include != nil && !f.include.MatchString(title) {
		logger.Debug("[FILTER] EXCLUDED by include pattern: '%s'", ev.Title)
		return false
	}

	if f.exclude != nil && f.exclude.MatchString(title) {
		logger.Debug("[FILTER] EXCLUDED by exclude pattern: '%s'", ev.Title)
		return false
	}

	return true
}
