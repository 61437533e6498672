package scheduler

import (
	"strings"

	"github.com/xkilldash9x/promptpilot/internal/config"
)

// ItemType distinguishes user prompts from inserted verification prompts.
type ItemType string

const (
	ItemTask  ItemType = "task"
	ItemCheck ItemType = "check"
)

// QueueItem is one scheduled send. Index is the task's position in the prompt list;
// AfterIndex is set on check items to the task they follow.
type QueueItem struct {
	Type       ItemType `json:"type" yaml:"type"`
	Text       string   `json:"text" yaml:"text"`
	Index      int      `json:"index" yaml:"index"`
	AfterIndex int      `json:"after_index" yaml:"after_index"`
}

// BuildRuntimeQueue expands the prompt list into queue items. Blank prompts are
// skipped. With check prompts enabled, a check item follows every task.
func BuildRuntimeQueue(settings config.AutopilotConfig) []QueueItem {
	checkText := strings.TrimSpace(settings.CheckPrompt.Text)
	if checkText == "" {
		checkText = config.DefaultCheckPrompt
	}

	queue := make([]QueueItem, 0, len(settings.Prompts)*2)
	for i, p := range settings.Prompts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		queue = append(queue, QueueItem{Type: ItemTask, Text: p, Index: i, AfterIndex: -1})
		if settings.CheckPrompt.Enabled {
			queue = append(queue, QueueItem{Type: ItemCheck, Text: checkText, Index: -1, AfterIndex: i})
		}
	}
	return queue
}

// removeFirst returns prompts without the first entry equal to text, and whether one was found.
func removeFirst(prompts []string, text string) ([]string, bool) {
	for i, p := range prompts {
		if p == text {
			out := make([]string, 0, len(prompts)-1)
			out = append(out, prompts[:i]...)
			return append(out, prompts[i+1:]...), true
		}
	}
	return prompts, false
}
