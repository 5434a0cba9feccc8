package domain

import "time"

// Origin indica qué store es dueño de una conversación.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// DefaultConversationTitle se usa cuando no hay texto del que derivar un título.
const DefaultConversationTitle = "New Chat"

type Conversation struct {
	ID                 string     `json:"id"`
	Origin             Origin     `json:"origin"`
	Title              string     `json:"title"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	// Messages solo se llena para conversaciones locales; las remotas se leen por suscripción.
	Messages []Message `json:"messages,omitempty"`
}

// Touch avanza UpdatedAt sin retroceder nunca.
func (c *Conversation) Touch(now time.Time) {
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

// AppendMessage agrega un mensaje y actualiza los campos de vista previa.
func (c *Conversation) AppendMessage(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.LastMessagePreview = msg.Content
	at := msg.CreatedAt
	c.LastMessageAt = &at
	c.Touch(msg.CreatedAt)
}

// Clone devuelve una copia profunda de la conversación.
func (c Conversation) Clone() Conversation {
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		c.LastMessageAt = &at
	}
	if c.Messages != nil {
		msgs := make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			msgs[i] = m.Clone()
		}
		c.Messages = msgs
	}
	return c
}
