package game

// ModelID names the model asked to interpret a clue.
type ModelID string

type Model struct {
	ID   ModelID `json:"id"`
	Name string  `json:"name"`
}

var Models = []Model{
	{ID: "gemini-flash-2.0", Name: "Gemini Flash 2.0"},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini"},
	{ID: "llama-3.3-70b-instruct", Name: "Llama 3.3 70b"},
	{ID: "claude-3.5-haiku", Name: "Claude 3.5 Haiku"},
	{ID: "grok-3-mini", Name: "Grok 3 mini"},
}

func IsModelID(id string) bool {
	for _, m := range Models {
		if string(m.ID) == id {
			return true
		}
	}

	return false
}
