package plugins

import (
	"regexp"
	"strings"

	"github.com/docuroom/docuroom/internal/docs"
)

// cdnURLPattern matches portable resource references embedded in markdown
// text, e.g. "cdn://media/<documentId>/picture.png".
var cdnURLPattern = regexp.MustCompile(`cdn://[^\s)"'<>\]]+`)

// ExtractCDNURLs returns every cdn:// reference in text, in order of
// appearance. Shared by every plugin that carries markdown-ish text fields.
func ExtractCDNURLs(text string) []string {
	return cdnURLPattern.FindAllString(text, -1)
}

// Markdown is the plain markdown content type: { "text": string }.
type Markdown struct{}

func (Markdown) Type() string { return "markdown" }

func (Markdown) DefaultContent() docs.Content {
	return docs.Content{"text": ""}
}

func (Markdown) ValidateContent(content docs.Content) error {
	if _, ok := content["text"]; !ok {
		return validationError(violation("text", "missing required field"))
	}
	if _, ok := stringField(content, "text"); !ok {
		return validationError(violation("text", "must be a string"))
	}
	return nil
}

func (Markdown) CloneContent(content docs.Content) docs.Content {
	text, _ := stringField(content, "text")
	return docs.Content{"text": text}
}

func (Markdown) ExtractResources(content docs.Content) []string {
	text, _ := stringField(content, "text")
	return ExtractCDNURLs(text)
}

func (Markdown) RedactContent(content docs.Content, targetRoomID string) docs.Content {
	text, _ := stringField(content, "text")
	out := cdnURLPattern.ReplaceAllStringFunc(text, func(url string) string {
		if resourceInRoomScope(url, targetRoomID) {
			return url
		}
		return ""
	})
	return docs.Content{"text": out}
}

// resourceInRoomScope reports whether a cdn url points at storage reachable
// from the target room: global media or the room's own area.
func resourceInRoomScope(url, targetRoomID string) bool {
	if strings.HasPrefix(url, "cdn://media/") {
		return true
	}
	return targetRoomID != "" && strings.HasPrefix(url, "cdn://rooms/"+targetRoomID+"/")
}
