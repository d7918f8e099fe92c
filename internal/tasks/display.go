package tasks

var stepPhrases = map[string]string{
	"loading_history":   "Loading the conversation history...",
	"preparing_context": "Preparing context for the AI model...",
	"calling_ai":        "Sending your message to the AI model...",
	"saving_response":   "Saving the response...",
}

var statusPhrases = map[Status]string{
	StatusPending:    "Waiting to start...",
	StatusProcessing: "Processing your request...",
	StatusCompleted:  "Done",
	StatusFailed:     "Something went wrong while processing your message",
	StatusTimeout:    "The request took too long and timed out",
	StatusCancelled:  "The request was cancelled",
}

// DisplayStatus renders a task for progress indicators. A workflow-provided
// status_message wins, then the current step (while processing), then the
// status itself.
func DisplayStatus(t *Task) string {
	if t == nil {
		return ""
	}
	if t.StatusMessage != nil && *t.StatusMessage != "" {
		return *t.StatusMessage
	}
	if t.Status == StatusProcessing && t.CurrentStep != nil {
		if phrase, ok := stepPhrases[*t.CurrentStep]; ok {
			return phrase
		}
	}
	return statusPhrases[t.Status]
}
