package catalog

import (
	"context"
	"fmt"
)

// ImageResolver turns a configured image reference into the reference
// instances are created from.  engine.Session satisfies it.
type ImageResolver interface {
	ResolveImage(ctx context.Context, ref string) (string, error)
}

// Resolve returns a copy of templates with every image resolved through
// r.  Each distinct reference is resolved once.
func Resolve(ctx context.Context, r ImageResolver, templates []Template) ([]Template, error) {
	resolved := make(map[string]string, len(templates))
	out := make([]Template, len(templates))

	for i, t := range templates {
		ref, ok := resolved[t.Image]
		if !ok {
			var err error
			ref, err = r.ResolveImage(ctx, t.Image)
			if err != nil {
				return nil, fmt.Errorf("template %s: resolve image %s: %w", t.Key, t.Image, err)
			}
			resolved[t.Image] = ref
		}
		t.Image = ref
		out[i] = t
	}
	return out, nil
}
