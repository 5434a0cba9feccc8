package domain

import (
	"errors"
	"strings"
	"time"
)

// Role identifica al autor de un mensaje.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrInvalidRole = errors.New("invalid message role")

// ParseRole valida un rol recibido desde un store o desde la API.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	default:
		return "", ErrInvalidRole
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Attachment es una imagen ya codificada para transporte. ByteSize es el tamaño del binario original.
type Attachment struct {
	ID          string `json:"id"`
	EncodedData string `json:"data"`
	MediaType   string `json:"mime_type"`
	Name        string `json:"name"`
	ByteSize    int64  `json:"size"`
}

type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Clone copia el mensaje sin compartir el slice de adjuntos.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}
