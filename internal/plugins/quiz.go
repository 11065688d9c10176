package plugins

import (
	"fmt"

	"github.com/docuroom/docuroom/internal/docs"
)

// Quiz is the question/answer card deck content type:
// { "cards": [ { "question": string, "answer": string }, ... ] }
// where question and answer are markdown.
type Quiz struct{}

func (Quiz) Type() string { return "quiz" }

func (Quiz) DefaultContent() docs.Content {
	return docs.Content{"cards": []any{}}
}

func (Quiz) ValidateContent(content docs.Content) error {
	cards, ok := content["cards"].([]any)
	if !ok {
		return validationError(violation("cards", "must be an array"))
	}
	violations := []docs.Violation{}
	for i, raw := range cards {
		card, ok := raw.(map[string]any)
		if !ok {
			violations = append(violations, violation(fmt.Sprintf("cards[%d]", i), "must be an object"))
			continue
		}
		for _, field := range []string{"question", "answer"} {
			if _, ok := stringField(card, field); !ok {
				violations = append(violations, violation(fmt.Sprintf("cards[%d].%s", i, field), "must be a string"))
			}
		}
	}
	if len(violations) > 0 {
		return validationError(violations...)
	}
	return nil
}

func (Quiz) CloneContent(content docs.Content) docs.Content {
	cards, _ := content["cards"].([]any)
	out := make([]any, 0, len(cards))
	for _, raw := range cards {
		card, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		question, _ := stringField(card, "question")
		answer, _ := stringField(card, "answer")
		out = append(out, map[string]any{"question": question, "answer": answer})
	}
	return docs.Content{"cards": out}
}

func (Quiz) ExtractResources(content docs.Content) []string {
	out := []string{}
	cards, _ := content["cards"].([]any)
	for _, raw := range cards {
		card, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		question, _ := stringField(card, "question")
		answer, _ := stringField(card, "answer")
		out = append(out, ExtractCDNURLs(question)...)
		out = append(out, ExtractCDNURLs(answer)...)
	}
	return out
}

func (Quiz) RedactContent(content docs.Content, targetRoomID string) docs.Content {
	md := Markdown{}
	cards, _ := content["cards"].([]any)
	out := make([]any, 0, len(cards))
	for _, raw := range cards {
		card, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		question, _ := stringField(card, "question")
		answer, _ := stringField(card, "answer")
		out = append(out, map[string]any{
			"question": md.RedactContent(docs.Content{"text": question}, targetRoomID)["text"],
			"answer":   md.RedactContent(docs.Content{"text": answer}, targetRoomID)["text"],
		})
	}
	return docs.Content{"cards": out}
}
