// Package anon derives the display names shown instead of identities.
package anon

import (
	"hash/fnv"
	"strings"
)

var adjectives = []string{
	"Amber", "Brave", "Calm", "Clever", "Curious", "Daring", "Eager", "Gentle",
	"Golden", "Honest", "Humble", "Jolly", "Kind", "Lively", "Lucky", "Mellow",
	"Misty", "Nimble", "Patient", "Plucky", "Quiet", "Rapid", "Silver", "Sleepy",
	"Steady", "Sunny", "Swift", "Thoughtful", "Witty", "Zesty",
}

var animals = []string{
	"Badger", "Crane", "Dolphin", "Falcon", "Fox", "Gecko", "Heron", "Ibis",
	"Koala", "Lemur", "Lynx", "Marten", "Narwhal", "Ocelot", "Otter", "Owl",
	"Panda", "Puffin", "Quokka", "Raven", "Robin", "Seal", "Sparrow", "Tapir",
	"Tiger", "Turtle", "Walrus", "Wombat", "Yak", "Zebra",
}

// Name returns the alias authorID goes by inside one post's thread. The same
// author gets the same alias throughout a thread and, usually, a different
// one in every other thread.
func Name(authorID, postID string) string {
	h := fnv.New64a()
	h.Write([]byte(authorID))
	h.Write([]byte{0})
	h.Write([]byte(postID))
	sum := h.Sum64()

	adj := adjectives[sum%uint64(len(adjectives))]
	animal := animals[(sum/uint64(len(adjectives)))%uint64(len(animals))]
	return adj + " " + animal
}

// IsAlias reports whether name has the shape Name produces.
func IsAlias(name string) bool {
	adj, animal, ok := strings.Cut(name, " ")
	return ok && contains(adjectives, adj) && contains(animals, animal)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
