package spec

import "sort"

// DefaultBaseImage is used when the config names no template
const DefaultBaseImage = "ubuntu:24.04"

// TemplateDefinition scaffolds a new-repo pod: the base image to run, the
// environment the toolchain expects and the script that lays down the
// project under /workspace.
type TemplateDefinition struct {
	ID          string
	Description string
	BaseImage   string
	DefaultEnv  map[string]string

	// InitScript commands run in order inside /workspace during new-repo
	// setup. They scaffold the project into the app directory.
	InitScript []string
}

var templates = map[string]*TemplateDefinition{
	"nextjs": {
		ID:          "nextjs",
		Description: "Next.js app (TypeScript, app router)",
		BaseImage:   "node:22-bookworm",
		DefaultEnv: map[string]string{
			"NODE_ENV": "development",
		},
		InitScript: []string{
			"npx --yes create-next-app@latest app --yes --ts --eslint --app --src-dir --use-npm --no-tailwind --import-alias '@/*'",
			"cd app && npm install",
		},
	},
	"vite": {
		ID:          "vite",
		Description: "Vite + React app (TypeScript)",
		BaseImage:   "node:22-bookworm",
		DefaultEnv: map[string]string{
			"NODE_ENV": "development",
		},
		InitScript: []string{
			"npm create vite@latest app -- --template react-ts",
			"cd app && npm install",
		},
	},
	"node": {
		ID:          "node",
		Description: "bare Node.js project",
		BaseImage:   "node:22-bookworm",
		InitScript: []string{
			"mkdir -p app && cd app && npm init -y",
		},
	},
	"python": {
		ID:          "python",
		Description: "Python project with a virtualenv",
		BaseImage:   "python:3.12-bookworm",
		InitScript: []string{
			"mkdir -p app && cd app && python -m venv .venv",
		},
	},
	"blank": {
		ID:          "blank",
		Description: "empty Ubuntu workspace",
		BaseImage:   DefaultBaseImage,
		InitScript:  []string{},
	},
}

// TemplateByID looks a template up in the registry
func TemplateByID(id string) (*TemplateDefinition, bool) {
	t, ok := templates[id]
	return t, ok
}

// TemplateIDs returns the known template ids, sorted
func TemplateIDs() []string {
	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
