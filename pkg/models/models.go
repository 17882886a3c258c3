package models

import "strings"

// Action is the kind of mutation a repo operation performs
type Action string

var (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// CommitEvent is a single repo commit handed to the pipeline by the feed client
type CommitEvent struct {
	Repo   string
	Seq    int64
	Rev    string
	Time   string
	TooBig bool
	Ops    []Operation
	// Blocks maps a content id (CID string) to the raw block bytes carried by the commit
	Blocks map[string][]byte
}

// Operation is one record mutation within a commit
type Operation struct {
	Action Action
	Path   string
	CID    string
}

// Collection returns the collection segment of the operation path
func (o Operation) Collection() string {
	collection, _, _ := strings.Cut(o.Path, "/")
	return collection
}

// Post is a decoded app.bsky.feed.post record ready for output
type Post struct {
	CreatedAt string
	Author    string
	Text      string
	URI       string
	CID       string
}

// OutputHeader is the header row of the output sink
var OutputHeader = []string{"created_at", "author", "text", "uri", "cid"}

// OutputRow is a Post flattened for the output sink
type OutputRow [5]string

// Row flattens the post into the output column order
func (p *Post) Row() OutputRow {
	return OutputRow{p.CreatedAt, p.Author, p.Text, p.URI, p.CID}
}

var newlineReplacer = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// NormalizeText replaces embedded newlines with a single space so each row stays on one line
func NormalizeText(s string) string {
	return newlineReplacer.Replace(s)
}
