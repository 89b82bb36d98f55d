package models

import "time"

type Reply struct {
	ID          string    `json:"id"`
	PostID      string    `json:"postId"`
	AuthorID    string    `json:"-"`
	AuthorAlias string    `json:"authorAlias"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}
