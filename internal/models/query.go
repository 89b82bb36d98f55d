package models

// SortKey names the post field a feed is ordered by.
type SortKey string

const (
	SortByCreatedAt SortKey = "createdAt"
	SortByUpvotes   SortKey = "upvotes"
)

func (k SortKey) Valid() bool {
	return k == SortByCreatedAt || k == SortByUpvotes
}

// Direction represents the direction of a sort.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

func (d Direction) Valid() bool {
	return d == Ascending || d == Descending
}
