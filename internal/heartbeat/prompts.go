package heartbeat

import (
	"fmt"
	"strings"

	"github.com/ocx/gateway/internal/store"
)

// contextSliceLen bounds how much captured context a prompt quotes.
const contextSliceLen = 200

// completionPrompt asks the model to tell the user a finished task's outcome,
// or to answer with the sentinel when there is nothing worth saying.
func completionPrompt(t store.PendingTask) string {
	result := t.Result
	if result == "" {
		result = "The task finished successfully."
	}

	var b strings.Builder
	b.WriteString("A background task you started for this user has completed.\n")
	fmt.Fprintf(&b, "Task: %s\n", t.Description)
	fmt.Fprintf(&b, "Result: %s\n", result)
	if slice := clip(t.Context, contextSliceLen); slice != "" {
		fmt.Fprintf(&b, "Original request context: %s\n", slice)
	}
	b.WriteString("Tell the user about the outcome naturally, in the language of the conversation. ")
	fmt.Fprintf(&b, "If there is nothing meaningful to report, reply with exactly %s.", Sentinel)
	return b.String()
}

// followUpPrompt asks for a brief check-in on a promise the assistant made,
// or the sentinel when a check-in would just be noise.
func followUpPrompt(lastUser, lastAssistant string) string {
	var b strings.Builder
	b.WriteString("You earlier told this user you would follow up on something.\n")
	fmt.Fprintf(&b, "Their last message: %q\n", clip(lastUser, contextSliceLen))
	fmt.Fprintf(&b, "Your last message: %q\n", clip(lastAssistant, contextSliceLen))
	b.WriteString("Write one brief, natural check-in in the same language: share progress or the result if you have it. ")
	fmt.Fprintf(&b, "If you have nothing meaningful to add yet, reply with exactly %s.", Sentinel)
	return b.String()
}

// clip returns at most n runes of s.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
