package models

import "time"

// ChangeMessage is an append-only audit entry on a change.
type ChangeMessage struct {
	ChangeID  int64     `json:"change_id"`
	UUID      string    `json:"uuid"`
	Author    int64     `json:"author"`
	WrittenOn time.Time `json:"written_on"`
	Message   string    `json:"message"`
}
