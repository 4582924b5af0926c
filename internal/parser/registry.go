package parser

import (
	"fmt"
	"strings"
	"sync"
)

// Document formats accepted in repository configuration.
const (
	FormatFrontMatter = "frontmatter"
	FormatTable       = "table"
	FormatComposite   = "composite"
)

// Composite tries each parser in order and returns the first result. Results
// are never merged across parsers.
type Composite []Parser

var _ Parser = Composite(nil)

func (c Composite) Parse(raw string, fallbackTitle string) *Document {
	for _, p := range c {
		if doc := p.Parse(raw, fallbackTitle); doc != nil {
			return doc
		}
	}
	return nil
}

// ForFormat returns the parser for a configured format name. An empty name
// selects front matter.
func ForFormat(format string) (Parser, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatFrontMatter:
		return FrontMatter{}, nil
	case FormatTable:
		return Table{}, nil
	case FormatComposite:
		return Composite{Table{}, FrontMatter{}}, nil
	default:
		return nil, fmt.Errorf("unknown document format %q", format)
	}
}

// Registry maps protocol keys to parsers. Unknown protocols use the
// front-matter parser.
type Registry struct {
	mu         sync.RWMutex
	byProtocol map[string]Parser
	fallback   Parser
}

func NewRegistry() *Registry {
	return &Registry{byProtocol: make(map[string]Parser), fallback: FrontMatter{}}
}

// Register binds protocol to p, replacing any previous binding.
func (r *Registry) Register(protocol string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byProtocol[strings.ToLower(protocol)] = p
}

// RegisterFormat binds protocol to the parser for a format name.
func (r *Registry) RegisterFormat(protocol, format string) error {
	p, err := ForFormat(format)
	if err != nil {
		return fmt.Errorf("protocol %s: %w", protocol, err)
	}
	r.Register(protocol, p)
	return nil
}

// For returns the parser for protocol.
func (r *Registry) For(protocol string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byProtocol[strings.ToLower(protocol)]; ok {
		return p
	}
	return r.fallback
}
