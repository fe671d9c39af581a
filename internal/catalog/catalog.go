// Package catalog holds the configured runner templates and maps the
// labels a workflow job requests onto the first template that offers
// all of them.
//
// A Catalog is built once at startup and never mutated afterwards, so it
// is safe to share between goroutines without locking.
package catalog

import (
	"fmt"
	"strings"
)

// Template describes one class of runner VM.
type Template struct {
	// Key is the configured name of the template (e.g. "linux-x64").
	Key string

	// Image is the image reference handed to the compute engine.  After
	// resolution it holds the engine-specific resolved form (a GCE
	// self-link, a pulled Docker reference, ...).
	Image string

	// Size is the engine-specific size class (a GCE machine type).
	Size string

	// Labels are the capabilities this template offers.
	Labels LabelSet
}

// Catalog is an ordered, immutable list of templates.  Iteration order is
// match priority.
type Catalog struct {
	templates []Template
}

// New builds a Catalog from templates in priority order.  Keys must be
// unique and every template needs at least one label.
func New(templates []Template) (*Catalog, error) {
	seen := make(map[string]struct{}, len(templates))
	out := make([]Template, 0, len(templates))

	for i, t := range templates {
		if t.Key == "" {
			return nil, fmt.Errorf("template %d: key is required", i)
		}
		if _, dup := seen[t.Key]; dup {
			return nil, fmt.Errorf("template %q: duplicate key", t.Key)
		}
		if t.Image == "" {
			return nil, fmt.Errorf("template %q: image is required", t.Key)
		}
		if t.Labels.Len() == 0 {
			return nil, fmt.Errorf("template %q: at least one label is required", t.Key)
		}
		seen[t.Key] = struct{}{}
		out = append(out, t)
	}

	return &Catalog{templates: out}, nil
}

// Match returns the first template, in configured order, whose labels
// are a superset of requested.  The boolean is false when no template
// qualifies; that is not an error, the job simply has no eligible runner
// type.
func (c *Catalog) Match(requested []string) (Template, bool) {
	want := NewLabelSet(requested...)
	for _, t := range c.templates {
		if t.Labels.Contains(want) {
			return t, true
		}
	}
	return Template{}, false
}

// Get returns the template registered under key.
func (c *Catalog) Get(key string) (Template, bool) {
	for _, t := range c.templates {
		if t.Key == key {
			return t, true
		}
	}
	return Template{}, false
}

// Templates returns a copy of the templates in priority order.
func (c *Catalog) Templates() []Template {
	out := make([]Template, len(c.templates))
	copy(out, c.templates)
	return out
}

// Len reports the number of templates.
func (c *Catalog) Len() int {
	return len(c.templates)
}

// String renders the catalog one template per line, in priority order.
func (c *Catalog) String() string {
	var b strings.Builder
	for i, t := range c.templates {
		fmt.Fprintf(&b, "%d. %s image=%s size=%s labels=%s\n",
			i+1, t.Key, t.Image, t.Size, strings.Join(t.Labels.Sorted(), ","))
	}
	return b.String()
}
