// Package discover auto-discovers well-known source roots for each agent
// kind so the operator does not have to list every possible location by
// hand. Auto-discovered roots never duplicate a configured source.
package discover

import (
	"os"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/model"
	"github.com/flyingrobots/blacklight/internal/paths"
)

// Sources returns configured plus auto-discovered Sources for every agent
// kind, skipping any root that does not exist on disk and any root that
// coincides with an already-configured source path.
func Sources(configured []model.Source) []model.Source {
	result := make([]model.Source, len(configured))
	copy(result, configured)

	configuredRoots := make(map[string]bool, len(configured))
	for _, s := range configured {
		configuredRoots[s.Root] = true
	}

	defaults := paths.DefaultSourceRoots()
	for kindName, roots := range defaults {
		kind := model.SourceKind(kindName)
		for _, root := range roots {
			if configuredRoots[root] {
				continue
			}
			info, err := os.Stat(root)
			if err != nil || !info.IsDir() {
				continue
			}
			name := "auto-" + kindName
			result = append(result, model.Source{
				Name:      name,
				Kind:      kind,
				Root:      root,
				CASPrefix: kindName,
			})
			configuredRoots[root] = true
			L_debug("discover: found default source root", "kind", kindName, "root", root)
		}
	}

	return result
}
