package plugins

import (
	"strings"

	"github.com/docuroom/docuroom/internal/docs"
)

// Image is the single-image content type:
// { "sourceUrl": string, "copyrightNotice": string (markdown) }.
type Image struct{}

func (Image) Type() string { return "image" }

func (Image) DefaultContent() docs.Content {
	return docs.Content{"sourceUrl": "", "copyrightNotice": ""}
}

func (Image) ValidateContent(content docs.Content) error {
	violations := []docs.Violation{}
	src, ok := stringField(content, "sourceUrl")
	if !ok {
		violations = append(violations, violation("sourceUrl", "must be a string"))
	} else if src != "" && !strings.HasPrefix(src, "cdn://") && !strings.HasPrefix(src, "https://") {
		violations = append(violations, violation("sourceUrl", "must be a cdn:// or https:// url"))
	}
	if _, ok := stringField(content, "copyrightNotice"); !ok {
		violations = append(violations, violation("copyrightNotice", "must be a string"))
	}
	if len(violations) > 0 {
		return validationError(violations...)
	}
	return nil
}

func (Image) CloneContent(content docs.Content) docs.Content {
	src, _ := stringField(content, "sourceUrl")
	notice, _ := stringField(content, "copyrightNotice")
	return docs.Content{"sourceUrl": src, "copyrightNotice": notice}
}

func (Image) ExtractResources(content docs.Content) []string {
	out := []string{}
	if src, _ := stringField(content, "sourceUrl"); strings.HasPrefix(src, "cdn://") {
		out = append(out, src)
	}
	notice, _ := stringField(content, "copyrightNotice")
	out = append(out, ExtractCDNURLs(notice)...)
	return out
}

func (Image) RedactContent(content docs.Content, targetRoomID string) docs.Content {
	src, _ := stringField(content, "sourceUrl")
	notice, _ := stringField(content, "copyrightNotice")
	if strings.HasPrefix(src, "cdn://") && !resourceInRoomScope(src, targetRoomID) {
		src = ""
	}
	redactedNotice := Markdown{}.RedactContent(docs.Content{"text": notice}, targetRoomID)
	return docs.Content{"sourceUrl": src, "copyrightNotice": redactedNotice["text"]}
}
