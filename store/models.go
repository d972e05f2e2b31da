package store

// Item is the catalog row shape. Absent upstream fields are stored as
// zero values rather than NULLs; queries treat the two the same.
type Item struct {
	ID          int64
	Deleted     bool
	Type        string
	By          string
	Time        int64
	Text        string
	Dead        bool
	Parent      int64
	Poll        int64
	URL         string
	Score       int64
	Title       string
	Parts       string // JSON array of pollopt ids
	Descendants int64

	// Kids in display order; replaces the item's kids rows on upsert.
	Kids []int64
}

type User struct {
	ID        string
	Created   int64
	Karma     int64
	About     string
	Submitted string // JSON array of item ids
}

// StoryMeta carries the ranking features of a story.
type StoryMeta struct {
	ID          int64
	Title       string
	By          string
	Time        int64
	Score       int64
	Descendants int64
}

// Comment is one node of a story's discussion tree. Order is the
// position within the parent's kids array.
type Comment struct {
	ID      int64
	Parent  int64
	Text    string
	Order   int64
	Depth   int64
	Deleted bool
	Dead    bool
}

// Filters narrows a candidate set. Zero values mean "no constraint";
// MaxScore and MaxComments use -1 for unset so 0 stays expressible.
type Filters struct {
	By          string
	After       int64
	Before      int64
	MinScore    int64
	MaxScore    int64
	MinComments int64
	MaxComments int64
}

func NewFilters() Filters {
	return Filters{MaxScore: -1, MaxComments: -1}
}

type SortField string

const (
	SortRelevance SortField = "relevance"
	SortScore     SortField = "score"
	SortTime      SortField = "time"
)

type Sort struct {
	By        SortField
	Ascending bool
}

// Stats is the startup report of catalog state.
type Stats struct {
	Items     int64
	Kids      int64
	Users     int64
	MaxItemID int64
}
