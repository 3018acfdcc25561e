package slice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/10yihang/fsamem/internal/value"
)

const summarySampleKeys = 3

// Summarize renders a one-line digest of a slice. The form is picked from
// the pattern's literal prefix:
//
//	task...   "3 tasks: 2 DONE, 1 PENDING"   (grouped by the status field)
//	agent...  "4 agents: 3 online"
//	other     "5 items: a, b, c, ..."
//
// Entries without the expected fields make the task and agent forms fall
// back to the generic one. Summarize never fails.
func Summarize(slice *value.Map, pattern string) string {
	if slice.Len() == 0 {
		return "0 items"
	}

	prefix := strings.ToLower(LiteralPrefix(pattern))
	switch {
	case strings.HasPrefix(prefix, "task"):
		if s, ok := summarizeTasks(slice); ok {
			return s
		}
	case strings.HasPrefix(prefix, "agent"):
		if s, ok := summarizeAgents(slice); ok {
			return s
		}
	}
	return summarizeGeneric(slice)
}

func summarizeTasks(slice *value.Map) (string, bool) {
	counts := make(map[string]int)
	ok := true
	slice.Range(func(_ string, v value.Value) bool {
		status, found := stringField(v, "status")
		if !found {
			ok = false
			return false
		}
		counts[status]++
		return true
	})
	if !ok {
		return "", false
	}

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%d %s", counts[s], s)
	}
	return fmt.Sprintf("%d tasks: %s", slice.Len(), strings.Join(parts, ", ")), true
}

func summarizeAgents(slice *value.Map) (string, bool) {
	online := 0
	ok := true
	slice.Range(func(_ string, v value.Value) bool {
		m, isMap := v.AsMap()
		if !isMap {
			ok = false
			return false
		}
		if isOnline(m) {
			online++
		}
		return true
	})
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%d agents: %d online", slice.Len(), online), true
}

func isOnline(agent *value.Map) bool {
	if v, ok := agent.Get("online"); ok {
		if b, isBool := v.AsBool(); isBool {
			return b
		}
	}
	if status, ok := stringField(value.Object(agent), "status"); ok {
		return strings.EqualFold(status, "online")
	}
	return false
}

func summarizeGeneric(slice *value.Map) string {
	keys := slice.Keys()
	sample := keys
	if len(sample) > summarySampleKeys {
		sample = sample[:summarySampleKeys]
	}

	s := fmt.Sprintf("%d items: %s", len(keys), strings.Join(sample, ", "))
	if len(keys) > summarySampleKeys {
		s += ", ..."
	}
	return s
}

func stringField(v value.Value, field string) (string, bool) {
	m, ok := v.AsMap()
	if !ok {
		return "", false
	}
	f, ok := m.Get(field)
	if !ok {
		return "", false
	}
	return f.AsString()
}
