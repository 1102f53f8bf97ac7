package extract

import "github.com/kalambet/engram/internal/llm"

const systemPrompt = `You are a profile extraction engine. Analyze the user's message and extract personal information. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Fields:
- "name": the user's name
- "location": where the user lives or is based
- "profession": the user's job or profession
- "interests": hobbies or topics the user is interested in
- "preferences": explicit preferences about how the user wants to interact
- "opinions": opinions the user expresses

Rules:
- Extract ONLY information explicitly stated in the message. Never infer, guess, or generalize.
- If a field is not mentioned, use an empty string or empty array.
- Preferences and opinions must be short standalone statements, each understandable without the original message.`

// buildPrompt constructs the chat messages for profile extraction.
func buildPrompt(text string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}
}
