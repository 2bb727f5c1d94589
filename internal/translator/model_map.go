package translator

import (
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Upstream model identifiers understood by Kiro.
const (
	ModelSonnet4  = "claude-sonnet-4"
	ModelSonnet45 = "claude-sonnet-4.5"
	ModelHaiku45  = "claude-haiku-4.5"
	ModelOpus45   = "claude-opus-4.5"
	ModelAuto     = "auto"
	DefaultModel  = ModelSonnet4
	// SummaryModel is the cheap model used for history summaries.
	SummaryModel = ModelHaiku45
)

// builtinAliases maps client model names to upstream models.
var builtinAliases = map[string]string{
	"gpt-4o":         ModelSonnet4,
	"gpt-4":          ModelSonnet4,
	"sonnet":         ModelSonnet4,
	"gemini-1.5-pro": ModelSonnet45,
	"gpt-4o-mini":    ModelHaiku45,
	"gpt-3.5-turbo":  ModelHaiku45,
	"haiku":          ModelHaiku45,
	"o1":             ModelOpus45,
	"o1-preview":     ModelOpus45,
	"opus":           ModelOpus45,
}

// kiroNatives are upstream names that pass through untouched.
var kiroNatives = map[string]bool{
	ModelSonnet4:  true,
	ModelSonnet45: true,
	ModelHaiku45:  true,
	ModelOpus45:   true,
}

var (
	routeMu        sync.RWMutex
	routeOverrides = map[string]string{}
)

// routesFile is the optional YAML catalog of alias overrides, mirroring
// the shape `routes: {alias: upstream}`.
type routesFile struct {
	Routes map[string]string `yaml:"routes"`
}

// LoadRoutes merges alias overrides from a YAML catalog. Missing file is
// not an error; overrides replace built-in aliases by name.
func LoadRoutes(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var file routesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	routeMu.Lock()
	routeOverrides = file.Routes
	routeMu.Unlock()
	log.Printf("📦 Loaded %d model route overrides from %s", len(file.Routes), path)
	return nil
}

// MapModel resolves a client model name to the upstream model. The second
// return is true when the name was unknown and the default was substituted
// (recorded as a warning in the flow).
func MapModel(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return DefaultModel, true
	}
	if key == ModelAuto {
		// `auto` is handed through verbatim; upstream decides.
		return ModelAuto, false
	}

	routeMu.RLock()
	override, ok := routeOverrides[key]
	routeMu.RUnlock()
	if ok {
		return override, false
	}
	if upstream, ok := builtinAliases[key]; ok {
		return upstream, false
	}
	if kiroNatives[key] {
		return key, false
	}
	return DefaultModel, true
}
