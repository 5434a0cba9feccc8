package domain

import "strings"

// Identity representa la sesión actual: anónima (UserID vacío) o autenticada.
type Identity struct {
	UserID string `json:"user_id,omitempty"`
}

// Anonymous es la identidad sin usuario.
var Anonymous = Identity{}

func Authenticated(userID string) Identity {
	return Identity{UserID: strings.TrimSpace(userID)}
}

func (i Identity) IsAuthenticated() bool {
	return i.UserID != ""
}

func (i Identity) String() string {
	if !i.IsAuthenticated() {
		return "anonymous"
	}
	return "user:" + i.UserID
}
