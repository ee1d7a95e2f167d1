// Package resolve maps client-facing model names onto a backend's own model
// names.
package resolve

import (
	"log/slog"
	"sort"
	"strings"

	"modelgate/internal/models"
)

// Step identifies which rule produced a resolution.
type Step int

const (
	StepAlias Step = iota + 1
	StepCatalogExact
	StepCatalogPrefix
	StepAliasFuzzy
	StepVendorDefault
	StepDefault
)

var stepNames = map[Step]string{
	StepAlias:         "alias",
	StepCatalogExact:  "catalog-exact",
	StepCatalogPrefix: "catalog-prefix",
	StepAliasFuzzy:    "alias-fuzzy",
	StepVendorDefault: "vendor-default",
	StepDefault:       "default",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

// DefaultAlias is the alias-table key consulted when no default model is set.
const DefaultAlias = "default"

var tagSuffixes = []string{":latest", ":v1", ":v2", ":instruct", ":chat"}

// vendorPrefixes are model families clients commonly hard-code.
var vendorPrefixes = []string{
	"gpt-", "chatgpt", "o1", "o3", "o4", "claude-", "gemini-", "text-davinci", "davinci", "mistral-large",
}

// Result is the outcome of Resolve.
type Result struct {
	Model string
	Step  Step
}

// Normalize lowercases a model name and strips one trailing tag suffix.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range tagSuffixes {
		if strings.HasSuffix(n, suffix) {
			return strings.TrimSuffix(n, suffix)
		}
	}
	return n
}

// Resolve picks the backend-local model for requested. The first matching
// rule wins: alias exact, catalog exact (normalized), catalog prefix, alias
// fuzzy, vendor family default, then the default model.
func Resolve(requested string, desc models.BackendDescriptor, catalog []models.Model) Result {
	if target, ok := desc.ModelAliases[requested]; ok {
		return Result{Model: matchCatalog(target, catalog), Step: StepAlias}
	}

	norm := Normalize(requested)
	if norm != "" {
		for _, m := range catalog {
			if m.ID == requested || Normalize(m.ID) == norm {
				return Result{Model: m.ID, Step: StepCatalogExact}
			}
		}
		for _, m := range catalog {
			candidate := Normalize(m.ID)
			if strings.HasPrefix(candidate, norm) || strings.HasPrefix(baseName(candidate), norm) {
				return Result{Model: m.ID, Step: StepCatalogPrefix}
			}
		}
		if target, ok := fuzzyAlias(norm, desc.ModelAliases); ok {
			return Result{Model: matchCatalog(target, catalog), Step: StepAliasFuzzy}
		}
	}

	def := DefaultModel(desc, catalog)
	for _, prefix := range vendorPrefixes {
		if strings.HasPrefix(norm, prefix) {
			return Result{Model: def, Step: StepVendorDefault}
		}
	}

	slog.Warn("no model match, using default", "backend", desc.Name, "requested", requested, "default", def)
	return Result{Model: def, Step: StepDefault}
}

// DefaultModel is the configured default, the "default" alias, the first
// catalog entry, or the fallback model, in that order.
func DefaultModel(desc models.BackendDescriptor, catalog []models.Model) string {
	if desc.DefaultModel != "" {
		return matchCatalog(desc.DefaultModel, catalog)
	}
	if target, ok := desc.ModelAliases[DefaultAlias]; ok {
		return matchCatalog(target, catalog)
	}
	if len(catalog) > 0 {
		return catalog[0].ID
	}
	return desc.FallbackModel
}

// matchCatalog returns the catalog spelling of target if one normalizes equal,
// otherwise target unchanged.
func matchCatalog(target string, catalog []models.Model) string {
	for _, m := range catalog {
		if m.ID == target {
			return m.ID
		}
	}
	norm := Normalize(target)
	for _, m := range catalog {
		if Normalize(m.ID) == norm {
			return m.ID
		}
	}
	return target
}

// fuzzyAlias matches aliases that equal the request after normalization or
// that the request extends, preferring the longest alias.
func fuzzyAlias(norm string, aliases map[string]string) (string, bool) {
	keys := make([]string, 0, len(aliases))
	for alias := range aliases {
		if alias == DefaultAlias {
			continue
		}
		keys = append(keys, alias)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for _, alias := range keys {
		a := Normalize(alias)
		if a == norm || strings.HasPrefix(norm, a) {
			return aliases[alias], true
		}
	}
	return "", false
}

func baseName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}
