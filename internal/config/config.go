package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml: the machine-evaluated prerequisite rules
// keyed by stage name, plus the RBAC role catalog. Stage order and
// approval flags live in the database; this file only carries rules.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Rules struct {
		// Documents maps a target stage name to the document types that
		// must be attached before entering it.
		Documents map[string][]string `yaml:"documents"`
		// ProjectData maps a target stage name to the project fields that
		// must be populated (owner, priority, description).
		ProjectData map[string][]string `yaml:"project_data"`
		// StageSpecific maps a target stage name to named checks.
		StageSpecific map[string][]StageRule `yaml:"stage_specific"`
	} `yaml:"rules"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// StageRule is one stage-specific prerequisite. Kind selects the
// evaluator: "document" checks presence of a document type, "field"
// checks a project field is populated.
type StageRule struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Value    string `yaml:"value"`
	Required bool   `yaml:"required"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

var projectFields = map[string]bool{
	"owner":       true,
	"priority":    true,
	"description": true,
	"name":        true,
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config location inside the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	for stage, fields := range c.Rules.ProjectData {
		if stage == "" {
			return fmt.Errorf("config.rules.project_data contains empty stage name")
		}
		for _, f := range fields {
			if !projectFields[f] {
				return fmt.Errorf("project_data rule for stage %s references unknown field %s", stage, f)
			}
		}
	}
	for stage, types := range c.Rules.Documents {
		if stage == "" {
			return fmt.Errorf("config.rules.documents contains empty stage name")
		}
		for _, t := range types {
			if t == "" {
				return fmt.Errorf("documents rule for stage %s has empty document type", stage)
			}
		}
	}
	for stage, rules := range c.Rules.StageSpecific {
		if stage == "" {
			return fmt.Errorf("config.rules.stage_specific contains empty stage name")
		}
		for _, r := range rules {
			if r.Name == "" {
				return fmt.Errorf("stage_specific rule for stage %s has empty name", stage)
			}
			switch r.Kind {
			case "document":
				if r.Value == "" {
					return fmt.Errorf("rule %s for stage %s: document kind requires value", r.Name, stage)
				}
			case "field":
				if !projectFields[r.Value] {
					return fmt.Errorf("rule %s for stage %s references unknown field %s", r.Name, stage, r.Value)
				}
			default:
				return fmt.Errorf("rule %s for stage %s has unknown kind %s", r.Name, stage, r.Kind)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Default returns the seed config for a new organization.
func Default(orgID string) *Config {
	cfg := &Config{}
	cfg.Org.ID = orgID
	cfg.Org.Name = orgID
	cfg.Rules.Documents = map[string][]string{
		"Technical Review": {"drawing"},
		"Supplier RFQ":     {"drawing", "bom"},
		"Order Confirmed":  {"purchase_order"},
	}
	cfg.Rules.ProjectData = map[string][]string{
		"Technical Review": {"owner"},
		"Quoted":           {"owner", "priority"},
	}
	cfg.Rules.StageSpecific = map[string][]StageRule{
		"Quoted": {
			{Name: "supplier quote attached", Kind: "document", Value: "supplier_quote", Required: true},
		},
		"Production": {
			{Name: "production notes present", Kind: "field", Value: "description", Required: false},
		},
	}
	cfg.RBAC.Roles = map[string]RBACRole{
		"owner": {
			Description: "Organization owner",
			Permissions: []string{
				"org.admin", "stage.manage", "project.create", "project.read",
				"workflow.transition", "workflow.bypass", "approval.decide",
				"document.attach", "history.read",
			},
		},
		"manager": {
			Description: "Pipeline manager",
			Permissions: []string{
				"project.create", "project.read", "workflow.transition",
				"workflow.bypass", "approval.decide", "document.attach", "history.read",
			},
		},
		"engineer": {
			Description: "Contributor without bypass rights",
			Permissions: []string{
				"project.read", "workflow.transition", "document.attach", "history.read",
			},
		},
	}
	return cfg
}
