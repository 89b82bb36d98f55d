package models

import (
	"errors"
	"time"
)

// MediaKind is the coarse type of an attached media blob.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaImage || k == MediaVideo
}

type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

type Post struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"-"`
	AuthorAlias string    `json:"authorAlias"`
	Text        string    `json:"text"`
	Media       *Media    `json:"media,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Upvotes     int       `json:"upvotes"`
	ReplyCount  int       `json:"replyCount"` // Maintained by separate increments, may drift
	Poll        *Poll     `json:"poll,omitempty"`
}

type PollOption struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

type Poll struct {
	Options    []PollOption      `json:"options"`
	TotalVotes int               `json:"totalVotes"`
	Voters     map[string]string `json:"-"` // voter identity -> chosen option text
}

var (
	ErrAlreadyVoted  = errors.New("voter already recorded on this poll")
	ErrUnknownOption = errors.New("option does not exist on this poll")
)

// NewPoll builds an empty poll over the given option texts.
func NewPoll(options []string) *Poll {
	p := &Poll{
		Options: make([]PollOption, len(options)),
		Voters:  make(map[string]string),
	}
	for i, text := range options {
		p.Options[i] = PollOption{Text: text}
	}
	return p
}

// VoteOf returns the option the voter picked, if any.
func (p *Poll) VoteOf(voterID string) (string, bool) {
	option, ok := p.Voters[voterID]
	return option, ok
}

// Apply records one vote. The poll is left untouched when an error is returned.
func (p *Poll) Apply(voterID, optionText string) error {
	if _, voted := p.Voters[voterID]; voted {
		return ErrAlreadyVoted
	}
	idx := -1
	for i, opt := range p.Options {
		if opt.Text == optionText {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrUnknownOption
	}

	p.Options[idx].Votes++
	p.TotalVotes++
	if p.Voters == nil {
		p.Voters = make(map[string]string)
	}
	p.Voters[voterID] = optionText
	return nil
}

// Check verifies the totals and voter bookkeeping are consistent.
func (p *Poll) Check() error {
	if len(p.Options) == 0 {
		return errors.New("poll has no options")
	}
	sum := 0
	seen := make(map[string]bool, len(p.Options))
	for _, opt := range p.Options {
		if opt.Votes < 0 {
			return errors.New("negative option count")
		}
		if seen[opt.Text] {
			return errors.New("duplicate option " + opt.Text)
		}
		seen[opt.Text] = true
		sum += opt.Votes
	}
	if sum != p.TotalVotes {
		return errors.New("total votes does not match option counts")
	}
	if len(p.Voters) > p.TotalVotes {
		return errors.New("more voters than votes")
	}
	for _, option := range p.Voters {
		if !seen[option] {
			return errors.New("voter recorded for unknown option " + option)
		}
	}
	return nil
}
