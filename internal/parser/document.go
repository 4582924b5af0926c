// Package parser extracts structured metadata from proposal documents.
//
// Documents come in several historical formats. Each format is a Parser; a
// Registry maps protocols to the Parser that understands their documents.
package parser

import (
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
)

// Document is the metadata parsed from one document revision.
type Document struct {
	Title         string
	Status        string
	Type          string
	Category      string
	Created       *time.Time
	DiscussionsTo string
	Authors       []authors.Descriptor
	Requires      []int
}

// Metadata returns the fields stored on proposals and versions.
func (d *Document) Metadata() proposals.Metadata {
	return proposals.Metadata{
		Title:         d.Title,
		Status:        d.Status,
		Type:          d.Type,
		Category:      d.Category,
		Created:       d.Created,
		DiscussionsTo: d.DiscussionsTo,
		Requires:      d.Requires,
	}
}

// Parser extracts a Document from raw text. It returns nil when the text has
// no metadata block it recognizes; callers skip such files.
type Parser interface {
	Parse(raw string, fallbackTitle string) *Document
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(raw string, fallbackTitle string) *Document

func (f ParserFunc) Parse(raw string, fallbackTitle string) *Document {
	return f(raw, fallbackTitle)
}
