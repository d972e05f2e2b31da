package hn

// Item is one node of the upstream item graph. The same shape covers
// stories, comments, jobs, polls and pollopts; absent fields stay zero.
type Item struct {
	ID          int64   `json:"id"`
	Deleted     bool    `json:"deleted"`
	Type        string  `json:"type"`
	By          string  `json:"by"`
	Time        int64   `json:"time"`
	Text        string  `json:"text"`
	Dead        bool    `json:"dead"`
	Parent      int64   `json:"parent"`
	Poll        int64   `json:"poll"`
	Kids        []int64 `json:"kids"`
	URL         string  `json:"url"`
	Score       int64   `json:"score"`
	Title       string  `json:"title"`
	Parts       []int64 `json:"parts"`
	Descendants int64   `json:"descendants"`
}

type User struct {
	ID        string  `json:"id"`
	Created   int64   `json:"created"`
	Karma     int64   `json:"karma"`
	About     string  `json:"about"`
	Submitted []int64 `json:"submitted"`
}

// Updates is one payload of the live update stream: items and user
// profiles that changed since the previous event.
type Updates struct {
	Items    []int64  `json:"items"`
	Profiles []string `json:"profiles"`
}
