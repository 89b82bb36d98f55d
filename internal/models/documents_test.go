package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestEncodePostOmitsCreationTime(t *testing.T) {
	fields, err := EncodePost(&Post{
		AuthorID:    "author",
		AuthorAlias: "Quiet Otter",
		Text:        "hello",
		Poll:        NewPoll([]string{"A", "B"}),
	})
	require.NoError(t, err)

	_, hasCreated := fields[FieldCreatedAt]
	assert.False(t, hasCreated)
	assert.Contains(t, fields, FieldPoll)
	assert.Contains(t, fields, FieldUpvotes)
}

func TestDecodePost(t *testing.T) {
	fields, err := EncodePost(&Post{
		AuthorID: "author",
		Text:     "what is the best study spot?",
		Media:    &Media{URL: "https://cdn.example/x.png", Kind: MediaImage},
		Poll:     NewPoll([]string{"Library", "Cafe"}),
	})
	require.NoError(t, err)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fields[FieldCreatedAt] = created

	post, err := DecodePost("p1", fields)
	require.NoError(t, err)
	assert.Equal(t, "p1", post.ID)
	assert.True(t, created.Equal(post.CreatedAt))
	assert.Equal(t, MediaImage, post.Media.Kind)
	require.NotNil(t, post.Poll)
	assert.Equal(t, "Cafe", post.Poll.Options[1].Text)
	assert.NotNil(t, post.Poll.Voters)
}

func TestDecodePostRejectsMalformed(t *testing.T) {
	now := time.Now()
	cases := map[string]bson.M{
		"no author":        {"text": "x", "createdAt": now},
		"no timestamp":     {"authorId": "a", "text": "x"},
		"wrong type":       {"authorId": "a", "text": "x", "createdAt": now, "upvotes": "many"},
		"negative upvotes": {"authorId": "a", "text": "x", "createdAt": now, "upvotes": -4},
		"bad media kind":   {"authorId": "a", "createdAt": now, "media": bson.M{"url": "u", "kind": "audio"}},
		"broken poll": {"authorId": "a", "text": "x", "createdAt": now,
			"poll": bson.M{"options": bson.A{bson.M{"text": "A", "votes": 1}}, "totalVotes": 5}},
	}

	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePost("p1", fields)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeReply(t *testing.T) {
	fields, err := EncodeReply(&Reply{AuthorID: "a", AuthorAlias: "Brave Heron", Text: "agreed"})
	require.NoError(t, err)
	fields[FieldCreatedAt] = time.Now()

	reply, err := DecodeReply("post-1", "r1", fields)
	require.NoError(t, err)
	assert.Equal(t, "post-1", reply.PostID)
	assert.Equal(t, "Brave Heron", reply.AuthorAlias)

	delete(fields, "text")
	_, err = DecodeReply("post-1", "r1", fields)
	assert.ErrorIs(t, err, ErrMalformed)
}
