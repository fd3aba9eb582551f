package providers

// Option keys recognized in ChatRequest.Options. Providers translate the
// subset they support into their own wire format; unknown keys are ignored.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"   // "off" | "low" | "medium" | "high"
	OptReasoningEffort = "reasoning_effort" // OpenAI o-series wire key
	OptEnableThinking  = "enable_thinking"  // DashScope/Qwen wire key
	OptThinkingBudget  = "thinking_budget"  // DashScope/Qwen wire key
)
