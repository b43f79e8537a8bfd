package gate

import (
	"strings"

	"github.com/mycosoft/mascore/pkg/models"
)

// builtinCategories classifies well-known action type prefixes. Configured
// overrides in approval.actions win over these.
var builtinCategories = map[string]models.ActionCategory{
	"memory.get":    models.CategoryRead,
	"memory.search": models.CategoryRead,
	"memory.put":    models.CategoryWrite,
	"memory.forget": models.CategoryWrite,
	"llm.":          models.CategoryExternal,
	"http.get":      models.CategoryExternal,
	"http.":         models.CategoryRisky,
	"shell.":        models.CategoryRisky,
	"device.":       models.CategoryRisky,
}

// Classify maps an action type to its category. Configured mappings take
// precedence, then built-in prefixes. Unknown action types classify as
// risky: the gate fails closed.
func (g *Gate) Classify(actionType string) models.ActionCategory {
	if cat, ok := g.cfg.Actions[actionType]; ok {
		return cat
	}

	var (
		best    string
		bestCat models.ActionCategory
	)
	for prefix, cat := range builtinCategories {
		if strings.HasPrefix(actionType, prefix) && len(prefix) > len(best) {
			best = prefix
			bestCat = cat
		}
	}
	if best != "" {
		return bestCat
	}
	return models.CategoryRisky
}
