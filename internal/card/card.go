package card

import (
	"context"
	"errors"
	"time"
)

// TemplateType selects how the frontend renders a card.
type TemplateType string

const (
	Valentine   TemplateType = "valentine"
	Apology     TemplateType = "apology"
	LoveLetter  TemplateType = "love-letter"
	Anniversary TemplateType = "anniversary"
	Rdv         TemplateType = "rdv"
	QuizGame    TemplateType = "quiz-game"
)

// Templates lists every known template in display order.
var Templates = []TemplateType{Valentine, Apology, LoveLetter, Anniversary, Rdv, QuizGame}

func (t TemplateType) Valid() bool {
	for _, k := range Templates {
		if t == k {
			return true
		}
	}
	return false
}

type ThemeColors struct {
	Primary    string `json:"primary"`
	Secondary  string `json:"secondary"`
	Background string `json:"background"`
	Text       string `json:"text"`
}

type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

type QuizPrize struct {
	MinScore int    `json:"min_score"`
	Text     string `json:"text"`
}

type RdvDetails struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Location string `json:"location"`
	Theme    string `json:"theme,omitempty"`
}

// CustomConfig holds the optional per template extras. Every field is optional.
type CustomConfig struct {
	CountdownDate      string         `json:"countdown_date,omitempty"`
	CountdownDirection string         `json:"countdown_direction,omitempty"`
	Reasons            []string       `json:"reasons,omitempty"`
	Promises           []string       `json:"promises,omitempty"`
	Quiz               []QuizQuestion `json:"quiz,omitempty"`
	QuizPrizes         []QuizPrize    `json:"quiz_prizes,omitempty"`
	ScratchText        string         `json:"scratch_text,omitempty"`
	MusicEnabled       *bool          `json:"music_enabled,omitempty"`
	MusicURL           string         `json:"music_url,omitempty"`
	Rdv                *RdvDetails    `json:"rdv,omitempty"`
	RdvClues           []string       `json:"rdv_clues,omitempty"`
	Memories           []string       `json:"memories,omitempty"`
	SorryMessages      []string       `json:"sorry_messages,omitempty"`
	SorryRefusals      []string       `json:"sorry_refusals,omitempty"`
}

// Card is a stored greeting card. OwnerTokenHash never leaves the server.
type Card struct {
	ID             string       `json:"id" db:"id"`
	TemplateType   TemplateType `json:"template_type" db:"template_type"`
	RecipientName  string       `json:"recipient_name" db:"recipient_name"`
	SenderName     string       `json:"sender_name" db:"sender_name"`
	Message        string       `json:"message" db:"message"`
	ThemeColors    ThemeColors  `json:"theme_colors" db:"-"`
	CustomConfig   CustomConfig `json:"custom_config" db:"-"`
	IsPublished    bool         `json:"is_published" db:"is_published"`
	OwnerTokenHash string       `json:"-" db:"owner_token_hash"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// View is one recorded open of a card's share link.
type View struct {
	CardID       string    `db:"card_id"`
	ViewedAt     time.Time `db:"viewed_at"`
	ViewerIDHash string    `db:"viewer_id_hash"`
	UserAgent    string    `db:"user_agent"`
}

var (
	ErrNotFound  = errors.New("card not found")
	ErrForbidden = errors.New("owner token does not match")
	ErrConflict  = errors.New("card id already exists")

	// ErrUnavailable is returned while the store's circuit breaker is open.
	ErrUnavailable = errors.New("card store unavailable")
)

// Store persists cards. Get only returns published cards.
// Delete checks tokenHash against the stored owner hash and removes the card's views with it.
type Store interface {
	Create(ctx context.Context, c *Card) error
	Get(ctx context.Context, id string) (*Card, error)
	Delete(ctx context.Context, id, tokenHash string) error
	RecordView(ctx context.Context, v View) error
	Ping(ctx context.Context) error
}

// New builds a published card from validated input, stamping id, owner hash and timestamps.
func New(in CreateInput, id, ownerTokenHash string, now time.Time) *Card {
	c := &Card{
		ID:             id,
		TemplateType:   in.TemplateType,
		RecipientName:  in.RecipientName,
		SenderName:     in.SenderName,
		Message:        in.Message,
		ThemeColors:    in.ThemeColors,
		IsPublished:    true,
		OwnerTokenHash: ownerTokenHash,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	if in.CustomConfig != nil {
		c.CustomConfig = *in.CustomConfig
	}
	return c
}
