package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Field names shared by every store implementation.
const (
	FieldCreatedAt  = "createdAt"
	FieldUpvotes    = "upvotes"
	FieldReplyCount = "replyCount"
	FieldAuthorID   = "authorId"
	FieldPoll       = "poll"
)

// ErrMalformed marks a stored document that does not decode into a valid record.
var ErrMalformed = errors.New("malformed document")

// PostDocument is the stored shape of a post.
type PostDocument struct {
	AuthorID    string         `bson:"authorId"`
	AuthorAlias string         `bson:"authorAlias"`
	Text        string         `bson:"text"`
	Media       *MediaDocument `bson:"media,omitempty"`
	CreatedAt   time.Time      `bson:"createdAt,omitempty"`
	Upvotes     int            `bson:"upvotes"`
	ReplyCount  int            `bson:"replyCount"`
	Poll        *PollDocument  `bson:"poll,omitempty"`
}

type MediaDocument struct {
	URL  string `bson:"url"`
	Kind string `bson:"kind"`
}

type PollDocument struct {
	Options    []PollOptionDocument `bson:"options"`
	TotalVotes int                  `bson:"totalVotes"`
	Voters     map[string]string    `bson:"voters"`
}

type PollOptionDocument struct {
	Text  string `bson:"text"`
	Votes int    `bson:"votes"`
}

// ReplyDocument is the stored shape of a reply inside a post's replies subcollection.
type ReplyDocument struct {
	AuthorID    string    `bson:"authorId"`
	AuthorAlias string    `bson:"authorAlias"`
	Text        string    `bson:"text"`
	CreatedAt   time.Time `bson:"createdAt,omitempty"`
}

func pollToDocument(p *Poll) *PollDocument {
	if p == nil {
		return nil
	}
	doc := &PollDocument{
		Options:    make([]PollOptionDocument, len(p.Options)),
		TotalVotes: p.TotalVotes,
		Voters:     p.Voters,
	}
	if doc.Voters == nil {
		doc.Voters = map[string]string{}
	}
	for i, opt := range p.Options {
		doc.Options[i] = PollOptionDocument{Text: opt.Text, Votes: opt.Votes}
	}
	return doc
}

func pollFromDocument(doc *PollDocument) *Poll {
	if doc == nil {
		return nil
	}
	p := &Poll{
		Options:    make([]PollOption, len(doc.Options)),
		TotalVotes: doc.TotalVotes,
		Voters:     doc.Voters,
	}
	if p.Voters == nil {
		p.Voters = map[string]string{}
	}
	for i, opt := range doc.Options {
		p.Options[i] = PollOption{Text: opt.Text, Votes: opt.Votes}
	}
	return p
}

// toFields flattens a bson-tagged value into a plain field map.
func toFields(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func fromFields(fields bson.M, v any) error {
	raw, err := bson.Marshal(fields)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, v)
}

// EncodePost returns the fields stored for a new post. The creation time is
// left out; the store stamps it on commit.
func EncodePost(p *Post) (bson.M, error) {
	doc := &PostDocument{
		AuthorID:    p.AuthorID,
		AuthorAlias: p.AuthorAlias,
		Text:        p.Text,
		Upvotes:     p.Upvotes,
		ReplyCount:  p.ReplyCount,
		Poll:        pollToDocument(p.Poll),
	}
	if p.Media != nil {
		doc.Media = &MediaDocument{URL: p.Media.URL, Kind: string(p.Media.Kind)}
	}
	fields, err := toFields(doc)
	if err != nil {
		return nil, fmt.Errorf("encode post: %w", err)
	}
	delete(fields, FieldCreatedAt)
	return fields, nil
}

// EncodePoll returns the stored value of the poll field.
func EncodePoll(p *Poll) (bson.M, error) {
	fields, err := toFields(pollToDocument(p))
	if err != nil {
		return nil, fmt.Errorf("encode poll: %w", err)
	}
	return fields, nil
}

// DecodePost turns stored fields into a validated Post. Any failure wraps
// ErrMalformed.
func DecodePost(id string, fields bson.M) (*Post, error) {
	var doc PostDocument
	if err := fromFields(fields, &doc); err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", ErrMalformed, id, err)
	}

	post := &Post{
		ID:          id,
		AuthorID:    doc.AuthorID,
		AuthorAlias: doc.AuthorAlias,
		Text:        doc.Text,
		CreatedAt:   doc.CreatedAt,
		Upvotes:     doc.Upvotes,
		ReplyCount:  doc.ReplyCount,
		Poll:        pollFromDocument(doc.Poll),
	}
	if doc.Media != nil {
		post.Media = &Media{URL: doc.Media.URL, Kind: MediaKind(doc.Media.Kind)}
	}

	if err := validatePost(post); err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", ErrMalformed, id, err)
	}
	return post, nil
}

func validatePost(p *Post) error {
	switch {
	case p.ID == "":
		return errors.New("missing id")
	case p.AuthorID == "":
		return errors.New("missing author")
	case p.CreatedAt.IsZero():
		return errors.New("missing creation time")
	case p.Upvotes < 0:
		return errors.New("negative upvotes")
	case p.ReplyCount < 0:
		return errors.New("negative reply count")
	case strings.TrimSpace(p.Text) == "" && p.Media == nil && p.Poll == nil:
		return errors.New("empty post")
	}
	if p.Media != nil {
		if p.Media.URL == "" {
			return errors.New("media without url")
		}
		if !p.Media.Kind.Valid() {
			return fmt.Errorf("unknown media kind %q", p.Media.Kind)
		}
	}
	if p.Poll != nil {
		if err := p.Poll.Check(); err != nil {
			return err
		}
	}
	return nil
}

func EncodeReply(r *Reply) (bson.M, error) {
	fields, err := toFields(&ReplyDocument{
		AuthorID:    r.AuthorID,
		AuthorAlias: r.AuthorAlias,
		Text:        r.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	delete(fields, FieldCreatedAt)
	return fields, nil
}

// DecodeReply turns stored fields into a validated Reply of postID.
func DecodeReply(postID, id string, fields bson.M) (*Reply, error) {
	var doc ReplyDocument
	if err := fromFields(fields, &doc); err != nil {
		return nil, fmt.Errorf("%w: reply %s: %v", ErrMalformed, id, err)
	}
	switch {
	case id == "":
		return nil, fmt.Errorf("%w: reply without id", ErrMalformed)
	case doc.AuthorID == "":
		return nil, fmt.Errorf("%w: reply %s: missing author", ErrMalformed, id)
	case strings.TrimSpace(doc.Text) == "":
		return nil, fmt.Errorf("%w: reply %s: empty text", ErrMalformed, id)
	case doc.CreatedAt.IsZero():
		return nil, fmt.Errorf("%w: reply %s: missing creation time", ErrMalformed, id)
	}
	return &Reply{
		ID:          id,
		PostID:      postID,
		AuthorID:    doc.AuthorID,
		AuthorAlias: doc.AuthorAlias,
		Text:        doc.Text,
		CreatedAt:   doc.CreatedAt,
	}, nil
}
