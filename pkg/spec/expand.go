package spec

import (
	"github.com/imdario/mergo"
	"github.com/samber/lo"
)

// ExpandInputs are the runtime facts that join the declarative config to
// produce a pod spec: identity from the pod record, the env-set contents,
// and the repo descriptor.
type ExpandInputs struct {
	ID   string
	Name string
	Slug string

	// Environment is the pod's env-set, already parsed to key/value pairs
	Environment map[string]string

	GithubRepo   string
	GithubBranch string
	RepoSetup    *RepoSetup
}

// Expand turns a declarative config into a runtime pod spec. It is total and
// deterministic: the same config and inputs always produce the same spec,
// and every failure is an InvalidConfigError raised before any host is
// touched.
func Expand(cfg Config, in ExpandInputs) (*PodSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, invalidf("pod id is required")
	}
	if in.RepoSetup != nil {
		if err := in.RepoSetup.Validate(cfg); err != nil {
			return nil, err
		}
	}

	tier, _ := TierByID(cfg.Tier)

	baseImage := DefaultBaseImage
	environment := map[string]string{}
	if cfg.Template != "" {
		tmpl, _ := TemplateByID(cfg.Template)
		baseImage = tmpl.BaseImage
		if err := mergo.Merge(&environment, tmpl.DefaultEnv); err != nil {
			return nil, err
		}
	}
	if err := mergo.Merge(&environment, in.Environment, mergo.WithOverride); err != nil {
		return nil, err
	}

	services := lo.Map(cfg.Services, func(id string, _ int) ServiceSpec {
		def, _ := ServiceByID(id)
		env := map[string]string{}
		for k, v := range def.DefaultEnv {
			env[k] = v
		}
		svc := ServiceSpec{
			Name:        id,
			Environment: env,
			AutoRestart: true,
			DependsOn:   def.DependsOn,
		}
		if def.Port > 0 {
			svc.Ports = []PortMapping{{Name: id, Internal: def.Port, Protocol: "tcp"}}
		}
		return svc
	})

	processes := lo.Map(cfg.Processes, func(p ProcessConfig, _ int) ProcessSpec {
		return ProcessSpec{
			Name:         p.Name,
			StartCommand: p.StartCommand,
			URL:          p.URL,
			HealthCheck:  p.HealthCheck,
			SessionName:  SessionName(in.ID, p.Name),
		}
	})

	return &PodSpec{
		ID:        in.ID,
		Name:      in.Name,
		Slug:      in.Slug,
		Version:   cfg.Version,
		Tier:      cfg.Tier,
		BaseImage: baseImage,
		Resources: Resources{
			CPUCores:  tier.CPUCores,
			MemoryMB:  tier.MemoryMB,
			StorageMB: tier.StorageMB,
		},
		Network: NetworkSpec{
			AllowEgress: true,
		},
		Services:     services,
		Template:     cfg.Template,
		Install:      cfg.Install,
		Processes:    processes,
		Tabs:         cfg.Tabs,
		Environment:  environment,
		GithubRepo:   in.GithubRepo,
		GithubBranch: in.GithubBranch,
		RepoSetup:    in.RepoSetup,
		WorkingDir:   "/workspace",
		User:         "root",
	}, nil
}

// ToConfig recovers the declarative config from an expanded pod spec. For
// every valid config, ToConfig(Expand(cfg, in)) equals cfg on all declarative
// fields regardless of what the managers bound into the pod spec since.
func ToConfig(s *PodSpec) Config {
	cfg := Config{
		Version:  s.Version,
		Tier:     s.Tier,
		Services: lo.Map(s.Services, func(svc ServiceSpec, _ int) string { return svc.Name }),
		Template: s.Template,
		Install:  s.Install,
		Tabs:     s.Tabs,
	}
	if len(s.Processes) > 0 {
		cfg.Processes = lo.Map(s.Processes, func(p ProcessSpec, _ int) ProcessConfig {
			return ProcessConfig{
				Name:         p.Name,
				StartCommand: p.StartCommand,
				URL:          p.URL,
				HealthCheck:  p.HealthCheck,
			}
		})
	}
	return cfg
}
