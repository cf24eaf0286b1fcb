package nlg

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// TemplateGenerator picks one of several stored variations per template and
// fills {name} placeholders from tracker slots, then from args. Unknown
// placeholders are left as written.
type TemplateGenerator struct {
	templates map[string][]string

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewTemplateGenerator creates a generator over templates.
func NewTemplateGenerator(templates map[string][]string) *TemplateGenerator {
	return NewSeededTemplateGenerator(templates, time.Now().UnixNano())
}

// NewSeededTemplateGenerator makes variation choice reproducible.
func NewSeededTemplateGenerator(templates map[string][]string, seed int64) *TemplateGenerator {
	copied := make(map[string][]string, len(templates))
	for name, variants := range templates {
		copied[name] = append([]string(nil), variants...)
	}
	return &TemplateGenerator{templates: copied, rnd: rand.New(rand.NewSource(seed))} // #nosec G404 -- variation choice
}

// Has reports whether template is known.
func (g *TemplateGenerator) Has(template string) bool {
	return len(g.templates[template]) > 0
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(_ context.Context, template string, tracker *Tracker, _ string, args map[string]interface{}) (*Response, error) {
	variants := g.templates[template]
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, template)
	}

	g.mu.Lock()
	text := variants[g.rnd.Intn(len(variants))]
	g.mu.Unlock()

	return &Response{Text: fill(text, tracker, args)}, nil
}

func fill(text string, tracker *Tracker, args map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		key := m[1 : len(m)-1]
		if tracker != nil {
			if v, ok := tracker.Slots[key]; ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		if v, ok := args[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return m
	})
}
