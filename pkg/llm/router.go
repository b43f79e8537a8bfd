package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/models"
)

// target is one concrete provider/model candidate for a request.
type target struct {
	provider string
	alias    string
	model    string
}

// router turns a role tag into an ordered candidate chain: the role's
// configured mapping first, then every fallback provider that carries the
// same model alias. The routing policy may reorder the chain.
type router struct {
	cfg *config.LLMConfig
}

func newRouter(cfg *config.LLMConfig) *router {
	return &router{cfg: cfg}
}

func (r *router) resolve(role models.RoleTag) ([]target, error) {
	mapping, ok := r.cfg.Roles[role]
	if !ok {
		return nil, models.NewError(models.KindValidation,
			fmt.Sprintf("no provider mapping for role %q", role))
	}
	providerName, alias, ok := strings.Cut(mapping, "/")
	if !ok {
		return nil, models.NewError(models.KindValidation,
			fmt.Sprintf("role %q mapping %q is not provider/alias", role, mapping))
	}
	primary, ok := r.cfg.Providers[providerName]
	if !ok {
		return nil, models.NewError(models.KindValidation,
			fmt.Sprintf("role %q names unknown provider %q", role, providerName))
	}
	model, ok := primary.ModelAliases[alias]
	if !ok {
		return nil, models.NewError(models.KindValidation,
			fmt.Sprintf("provider %q has no model alias %q", providerName, alias))
	}

	targets := []target{{provider: providerName, alias: alias, model: model}}
	for _, name := range r.cfg.Fallback {
		if name == providerName {
			continue
		}
		fb, ok := r.cfg.Providers[name]
		if !ok {
			continue
		}
		// A fallback without the alias cannot serve this role.
		fbModel, ok := fb.ModelAliases[alias]
		if !ok {
			continue
		}
		targets = append(targets, target{provider: name, alias: alias, model: fbModel})
	}

	switch r.cfg.Policy {
	case "by_cost":
		sort.SliceStable(targets, func(i, j int) bool {
			return r.cfg.Providers[targets[i].provider].Cost < r.cfg.Providers[targets[j].provider].Cost
		})
	case "by_latency":
		sort.SliceStable(targets, func(i, j int) bool {
			return r.cfg.Providers[targets[i].provider].LatencyClass < r.cfg.Providers[targets[j].provider].LatencyClass
		})
	}
	return targets, nil
}
