// Package catalog holds the static agent roster, personality presets, and the
// system instruction composition shared by every agent in a cluster.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Colors is the presentation theme for an agent portal.
type Colors struct {
	Primary   string `yaml:"primary" json:"primary"`
	Secondary string `yaml:"secondary" json:"secondary"`
	Accent    string `yaml:"accent" json:"accent"`
	Glow      string `yaml:"glow" json:"glow"`
}

// Agent is an immutable persona definition.
type Agent struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Voice       string `yaml:"voice" json:"voice"`
	Instruction string `yaml:"instruction" json:"instruction"`
	Colors      Colors `yaml:"colors" json:"colors"`
	Lead        bool   `yaml:"lead,omitempty" json:"lead,omitempty"`
}

type PersonalityPreset struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Traits      string `yaml:"traits" json:"traits"`
}

// Personality selects traits for one agent. CustomTraits wins over PresetID.
type Personality struct {
	PresetID     string `yaml:"preset_id,omitempty" json:"preset_id,omitempty"`
	CustomTraits string `yaml:"custom_traits,omitempty" json:"custom_traits,omitempty"`
}

type Catalog struct {
	agents  []Agent
	byID    map[string]int
	presets []PersonalityPreset
	preset  map[string]int
	lead    int
}

type fileFormat struct {
	Agents  []Agent             `yaml:"agents"`
	Presets []PersonalityPreset `yaml:"presets"`
}

// New validates and indexes a roster. The first agent marked Lead is the lead;
// when none is marked, the first agent is.
func New(agents []Agent, presets []PersonalityPreset) (*Catalog, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one agent")
	}
	c := &Catalog{
		agents:  make([]Agent, 0, len(agents)),
		byID:    make(map[string]int, len(agents)),
		presets: make([]PersonalityPreset, 0, len(presets)),
		preset:  make(map[string]int, len(presets)),
		lead:    -1,
	}
	for i, a := range agents {
		a.ID = normalizeID(a.ID)
		a.Name = strings.TrimSpace(a.Name)
		if a.ID == "" {
			return nil, fmt.Errorf("agents[%d].id must not be empty", i)
		}
		if a.Name == "" {
			return nil, fmt.Errorf("agents[%d].name must not be empty", i)
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		if a.Lead && c.lead < 0 {
			c.lead = len(c.agents)
		} else {
			a.Lead = false
		}
		c.byID[a.ID] = len(c.agents)
		c.agents = append(c.agents, a)
	}
	if c.lead < 0 {
		c.lead = 0
		c.agents[0].Lead = true
	}
	for i, p := range presets {
		p.ID = normalizeID(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("presets[%d].id must not be empty", i)
		}
		if _, dup := c.preset[p.ID]; dup {
			return nil, fmt.Errorf("duplicate preset id %q", p.ID)
		}
		c.preset[p.ID] = len(c.presets)
		c.presets = append(c.presets, p)
	}
	return c, nil
}

// Load reads a YAML roster. Presets fall back to the built-in set when the
// file declares none.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(f.Presets) == 0 {
		f.Presets = defaultPresets
	}
	return New(f.Agents, f.Presets)
}

func (c *Catalog) Get(id string) (Agent, bool) {
	if c == nil {
		return Agent{}, false
	}
	idx, ok := c.byID[normalizeID(id)]
	if !ok {
		return Agent{}, false
	}
	return c.agents[idx], true
}

// MustGet is Get for ids that are known to exist, such as the lead.
func (c *Catalog) MustGet(id string) Agent {
	a, ok := c.Get(id)
	if !ok {
		panic(fmt.Sprintf("catalog: %v: %q", ErrUnknownAgent, id))
	}
	return a
}

func (c *Catalog) List() []Agent {
	if c == nil {
		return nil
	}
	out := make([]Agent, len(c.agents))
	copy(out, c.agents)
	return out
}

func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.ID)
	}
	return out
}

func (c *Catalog) Lead() Agent {
	return c.agents[c.lead]
}

func (c *Catalog) Presets() []PersonalityPreset {
	if c == nil {
		return nil
	}
	out := make([]PersonalityPreset, len(c.presets))
	copy(out, c.presets)
	return out
}

func (c *Catalog) Preset(id string) (PersonalityPreset, bool) {
	if c == nil {
		return PersonalityPreset{}, false
	}
	idx, ok := c.preset[normalizeID(id)]
	if !ok {
		return PersonalityPreset{}, false
	}
	return c.presets[idx], true
}

// Traits resolves the personality text for p. Unknown presets resolve to "".
func (c *Catalog) Traits(p Personality) string {
	if custom := strings.TrimSpace(p.CustomTraits); custom != "" {
		return custom
	}
	preset, ok := c.Preset(p.PresetID)
	if !ok {
		return ""
	}
	return strings.TrimSpace(preset.Traits)
}

// Instruction composes the full system instruction for a: persona text, an
// optional personality line, and the shared etiquette postscript.
func (c *Catalog) Instruction(a Agent, p Personality) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(a.Instruction))
	if traits := c.Traits(p); traits != "" {
		b.WriteString("\n\nPERSONALITY: ")
		b.WriteString(traits)
	}
	b.WriteString("\n\n")
	b.WriteString(Etiquette(c.Lead().Name))
	return b.String()
}

// Etiquette is the turn-taking postscript appended to every instruction.
func Etiquette(leadName string) string {
	return "NEURAL ETIQUETTE:\n" +
		"1. You hear all room audio including peers.\n" +
		"2. If another agent is speaking, YOU MUST STAY SILENT.\n" +
		"3. If a peer is addressed by name, DO NOT INTERRUPT.\n" +
		"4. Only one agent should talk to the user at a time. The " + leadName + " is the lead. Yield the floor immediately if anyone else starts speaking."
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
