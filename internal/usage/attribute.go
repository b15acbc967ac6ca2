// Package usage tags requests with their accounting source and records
// one usage row per completed query in SQLite.
package usage

import (
	"fmt"
	"strings"

	errs "github.com/alexjbarnes/gdelt-mcp/internal/errors"
	"github.com/alexjbarnes/gdelt-mcp/internal/models"
)

// DefaultSource is the source a verification method maps to when the
// request carries no override.
func DefaultSource(method models.AuthMethod) models.Source {
	if method == models.MethodAPIKey {
		return models.SourceMCP
	}

	return models.SourceApp
}

// Attribute resolves the effective source for a request. An empty
// override falls back to the method default. Any other override must
// name one of the enumerated sources exactly; it is never coerced.
func Attribute(method models.AuthMethod, override string) (models.Source, error) {
	if override == "" {
		return DefaultSource(method), nil
	}

	s := models.Source(override)
	if !s.Valid() {
		names := make([]string, len(models.Sources))
		for i, v := range models.Sources {
			names[i] = string(v)
		}

		return "", fmt.Errorf("%w: %q is not one of %s", errs.ErrInvalidSource, override, strings.Join(names, ", "))
	}

	return s, nil
}
