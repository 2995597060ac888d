package card

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLength     = 50
	MaxMessageLength  = 2000
	MaxQuizQuestions  = 5
	MaxQuizPrizes     = 5
	MaxReasons        = 10
	MaxPromises       = 10
	MaxMemories       = 10
	MaxRdvClues       = 5
	MaxSorryMessages  = 20
	MaxSorryRefusals  = 13
	MaxListItemLength = 200
	MaxSorryLength    = 300
	MaxScratchLength  = 200
	quizOptionCount   = 4
	maxQuizAnswerLen  = 100
)

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// CreateInput is the body of a create request.
type CreateInput struct {
	TemplateType  TemplateType  `json:"template_type"`
	RecipientName string        `json:"recipient_name"`
	SenderName    string        `json:"sender_name"`
	Message       string        `json:"message"`
	ThemeColors   ThemeColors   `json:"theme_colors"`
	CustomConfig  *CustomConfig `json:"custom_config,omitempty"`
}

// ValidationError maps a field path like "custom_config.quiz[1].options" to a message.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid card: " + strings.Join(parts, "; ")
}

// collector keeps the first message per field
type collector map[string]string

func (c collector) add(field, msg string) {
	if _, ok := c[field]; !ok {
		c[field] = msg
	}
}

func (c collector) length(field, s string, min, max int) {
	n := utf8.RuneCountInString(s)
	switch {
	case n < min && min == 1:
		c.add(field, "required")
	case n < min:
		c.add(field, fmt.Sprintf("must be at least %d characters", min))
	case n > max:
		c.add(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

func (c collector) list(field string, items []string, maxItems, maxLen int) {
	if len(items) > maxItems {
		c.add(field, fmt.Sprintf("must have at most %d items", maxItems))
		return
	}
	for i, s := range items {
		c.length(fmt.Sprintf("%s[%d]", field, i), s, 1, maxLen)
	}
}

// Validate returns a *ValidationError listing every invalid field, or nil.
func (in CreateInput) Validate() error {
	c := collector{}

	switch {
	case in.TemplateType == "":
		c.add("template_type", "required")
	case !in.TemplateType.Valid():
		c.add("template_type", "unknown template")
	}
	c.length("recipient_name", in.RecipientName, 1, MaxNameLength)
	c.length("sender_name", in.SenderName, 1, MaxNameLength)
	c.length("message", in.Message, 1, MaxMessageLength)

	for field, v := range map[string]string{
		"theme_colors.primary":    in.ThemeColors.Primary,
		"theme_colors.secondary":  in.ThemeColors.Secondary,
		"theme_colors.background": in.ThemeColors.Background,
		"theme_colors.text":       in.ThemeColors.Text,
	} {
		if !hexColor.MatchString(v) {
			c.add(field, "invalid color")
		}
	}

	if in.CustomConfig != nil {
		in.CustomConfig.validate(c)
	}

	if len(c) == 0 {
		return nil
	}
	return &ValidationError{Fields: c}
}

func (cc *CustomConfig) validate(c collector) {
	const p = "custom_config."

	if d := cc.CountdownDirection; d != "" && d != "down" && d != "up" {
		c.add(p+"countdown_direction", `must be "down" or "up"`)
	}
	c.list(p+"reasons", cc.Reasons, MaxReasons, MaxListItemLength)
	c.list(p+"promises", cc.Promises, MaxPromises, MaxListItemLength)
	c.list(p+"memories", cc.Memories, MaxMemories, MaxListItemLength)
	c.list(p+"rdv_clues", cc.RdvClues, MaxRdvClues, MaxListItemLength)
	c.list(p+"sorry_messages", cc.SorryMessages, MaxSorryMessages, MaxSorryLength)
	c.list(p+"sorry_refusals", cc.SorryRefusals, MaxSorryRefusals, MaxSorryLength)

	if len(cc.Quiz) > MaxQuizQuestions {
		c.add(p+"quiz", fmt.Sprintf("must have at most %d items", MaxQuizQuestions))
	} else {
		for i, q := range cc.Quiz {
			f := fmt.Sprintf("%squiz[%d]", p, i)
			c.length(f+".question", q.Question, 1, MaxListItemLength)
			c.length(f+".correct_answer", q.CorrectAnswer, 1, maxQuizAnswerLen)
			if len(q.Options) != quizOptionCount {
				c.add(f+".options", fmt.Sprintf("must have exactly %d options", quizOptionCount))
				continue
			}
			for j, o := range q.Options {
				c.length(fmt.Sprintf("%s.options[%d]", f, j), o, 1, maxQuizAnswerLen)
			}
		}
	}

	if len(cc.QuizPrizes) > MaxQuizPrizes {
		c.add(p+"quiz_prizes", fmt.Sprintf("must have at most %d items", MaxQuizPrizes))
	} else {
		for i, pr := range cc.QuizPrizes {
			f := fmt.Sprintf("%squiz_prizes[%d]", p, i)
			if pr.MinScore < 0 {
				c.add(f+".min_score", "must be >= 0")
			}
			c.length(f+".text", pr.Text, 1, MaxListItemLength)
		}
	}

	if utf8.RuneCountInString(cc.ScratchText) > MaxScratchLength {
		c.add(p+"scratch_text", fmt.Sprintf("must be at most %d characters", MaxScratchLength))
	}

	if cc.MusicURL != "" {
		u, err := url.Parse(cc.MusicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			c.add(p+"music_url", "must be an absolute URL")
		}
	}

	if r := cc.Rdv; r != nil {
		c.length(p+"rdv.date", r.Date, 1, MaxListItemLength)
		c.length(p+"rdv.time", r.Time, 1, MaxListItemLength)
		c.length(p+"rdv.location", r.Location, 1, MaxListItemLength)
		if utf8.RuneCountInString(r.Theme) > MaxListItemLength {
			c.add(p+"rdv.theme", fmt.Sprintf("must be at most %d characters", MaxListItemLength))
		}
	}
}
