package lookup

// Result is a single ranked snippet returned by a lookup provider.
// URL is the deduplication key when present; results without a URL are
// never considered duplicates of anything.
type Result struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	URL      string `json:"url,omitempty"`
	Provider string `json:"provider"`
}
