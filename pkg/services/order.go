package services

import (
	"sort"

	"github.com/go-errors/errors"
	"github.com/samber/lo"

	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// SortByDependencies orders services so every dependency comes before its
// dependents. Ties break alphabetically, so the order is stable run to run.
// Stopping uses the same order reversed.
func SortByDependencies(list []spec.ServiceSpec) ([]spec.ServiceSpec, error) {
	byName := map[string]spec.ServiceSpec{}
	for _, service := range list {
		byName[service.Name] = service
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, service := range list {
		if _, ok := indegree[service.Name]; !ok {
			indegree[service.Name] = 0
		}
		for _, dependency := range service.DependsOn {
			if _, ok := byName[dependency]; !ok {
				return nil, errors.Errorf("service %s depends on %s, which is not enabled", service.Name, dependency)
			}
			indegree[service.Name]++
			dependents[dependency] = append(dependents[dependency], service.Name)
		}
	}

	ready := lo.Filter(lo.Keys(indegree), func(name string, _ int) bool {
		return indegree[name] == 0
	})
	sort.Strings(ready)

	ordered := make([]spec.ServiceSpec, 0, len(list))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	if len(ordered) != len(indegree) {
		return nil, errors.New("service dependencies contain a cycle")
	}
	return ordered, nil
}
