package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/holdfast/internal/ir"
)

// Scenario drives one node through a scripted exchange of source-chain
// data and checks where every op ends up.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Dna is the path to the DNA definition, relative to the scenario file.
	Dna string `yaml:"dna"`

	// Self names the agent whose elements the node authors itself. Every
	// other agent's elements only reach the node through deliver steps.
	Self string `yaml:"self,omitempty"`

	// Abandon overrides the node's abandon policy.
	Abandon *AbandonSpec `yaml:"abandon,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// AbandonSpec is the abandon policy in scenario form.
type AbandonSpec struct {
	MaxRetries int    `yaml:"max_retries"`
	MaxAge     string `yaml:"max_age,omitempty"`
}

// Step is one scripted action. Exactly one action field is set.
type Step struct {
	// Agent is the author of genesis, create, update, delete, link and
	// unlink steps.
	Agent string `yaml:"agent,omitempty"`

	Genesis bool        `yaml:"genesis,omitempty"`
	Create  *CreateStep `yaml:"create,omitempty"`
	Update  *UpdateStep `yaml:"update,omitempty"`
	Delete  *RefStep    `yaml:"delete,omitempty"`
	Link    *LinkStep   `yaml:"link,omitempty"`
	Unlink  *RefStep    `yaml:"unlink,omitempty"`

	Deliver *DeliverStep `yaml:"deliver,omitempty"`
	Fetch   []string     `yaml:"fetch,omitempty"`
	Advance string       `yaml:"advance,omitempty"`
	Drain   bool         `yaml:"drain,omitempty"`
}

// CreateStep authors an app entry and labels the element As.
type CreateStep struct {
	As      string         `yaml:"as"`
	Zome    string         `yaml:"zome"`
	Entry   string         `yaml:"entry"`
	Private bool           `yaml:"private,omitempty"`
	Content map[string]any `yaml:"content"`
}

// UpdateStep authors an update of the element labelled Of.
type UpdateStep struct {
	As      string         `yaml:"as"`
	Of      string         `yaml:"of"`
	Content map[string]any `yaml:"content"`
}

// RefStep authors a delete or unlink of the element labelled Of.
type RefStep struct {
	As string `yaml:"as"`
	Of string `yaml:"of"`
}

// LinkStep authors a link between two labelled elements. Target names
// the element whose entry is linked to.
type LinkStep struct {
	As     string `yaml:"as"`
	Base   string `yaml:"base"`
	Target string `yaml:"target"`
	Zome   string `yaml:"zome"`
	Tag    string `yaml:"tag"`
}

// DeliverStep hands ops to the node as if gossiped. With no elements,
// everything Agent has authored and not yet delivered is sent. Ops
// limits delivery to the named op types.
type DeliverStep struct {
	Agent    string   `yaml:"agent,omitempty"`
	Elements []string `yaml:"elements,omitempty"`
	Ops      []string `yaml:"ops,omitempty"`
}

// Assertion checks the node after the last step.
type Assertion struct {
	// Type is one of status, counts, get, links, activity, verify.
	Type string `yaml:"type"`

	// Element and Op select one op (status) or one address (get, links).
	Element string `yaml:"element,omitempty"`
	Op      string `yaml:"op,omitempty"`
	// Entry makes get look up the element's entry instead of its header.
	Entry bool `yaml:"entry,omitempty"`

	Agent string `yaml:"agent,omitempty"`

	Scope  string `yaml:"scope,omitempty"`
	Status string `yaml:"status,omitempty"`
	Reason string `yaml:"reason,omitempty"`
	// Result is the expected get outcome: found, not_yet_available or
	// not_held.
	Result string `yaml:"result,omitempty"`

	Count  *int           `yaml:"count,omitempty"`
	Counts map[string]int `yaml:"counts,omitempty"`
}

// Assertion types.
const (
	AssertStatus   = "status"
	AssertCounts   = "counts"
	AssertGet      = "get"
	AssertLinks    = "links"
	AssertActivity = "activity"
	AssertVerify   = "verify"
)

// Get outcomes.
const (
	GetFound           = "found"
	GetNotYetAvailable = "not_yet_available"
	GetNotHeld         = "not_held"
)

// LoadScenario reads a scenario file. Unknown fields are rejected so a
// misspelt key cannot silently drop a check. The DNA path is resolved
// against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if sc.Dna != "" && !filepath.IsAbs(sc.Dna) {
		sc.Dna = filepath.Join(filepath.Dir(path), sc.Dna)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks that the scenario is complete and self-consistent.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Dna == "" {
		return fmt.Errorf("dna is required")
	}
	if _, err := os.Stat(s.Dna); err != nil {
		return fmt.Errorf("dna not found: %s", s.Dna)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Abandon != nil && s.Abandon.MaxAge != "" {
		if _, err := time.ParseDuration(s.Abandon.MaxAge); err != nil {
			return fmt.Errorf("abandon.max_age: %w", err)
		}
	}

	labels := map[string]bool{}
	for i, step := range s.Steps {
		if err := step.validate(labels); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := a.validate(labels); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func (s Step) actions() []string {
	var set []string
	if s.Genesis {
		set = append(set, "genesis")
	}
	if s.Create != nil {
		set = append(set, "create")
	}
	if s.Update != nil {
		set = append(set, "update")
	}
	if s.Delete != nil {
		set = append(set, "delete")
	}
	if s.Link != nil {
		set = append(set, "link")
	}
	if s.Unlink != nil {
		set = append(set, "unlink")
	}
	if s.Deliver != nil {
		set = append(set, "deliver")
	}
	if len(s.Fetch) > 0 {
		set = append(set, "fetch")
	}
	if s.Advance != "" {
		set = append(set, "advance")
	}
	if s.Drain {
		set = append(set, "drain")
	}
	return set
}

func (s Step) validate(labels map[string]bool) error {
	acts := s.actions()
	if len(acts) != 1 {
		return fmt.Errorf("exactly one action is required, got %v", acts)
	}

	known := func(field, label string) error {
		if label == "" {
			return fmt.Errorf("%s is required", field)
		}
		if !labels[label] {
			return fmt.Errorf("%s: unknown element %q", field, label)
		}
		return nil
	}
	define := func(label string) error {
		if label == "" {
			return fmt.Errorf("as is required")
		}
		if labels[label] {
			return fmt.Errorf("element %q is defined twice", label)
		}
		labels[label] = true
		return nil
	}

	switch acts[0] {
	case "genesis", "create", "update", "delete", "link", "unlink":
		if s.Agent == "" {
			return fmt.Errorf("%s needs an agent", acts[0])
		}
	}

	switch {
	case s.Genesis:
		for _, l := range genesisLabels(s.Agent) {
			if err := define(l); err != nil {
				return err
			}
		}
	case s.Create != nil:
		if s.Create.Zome == "" || s.Create.Entry == "" {
			return fmt.Errorf("create needs a zome and an entry")
		}
		return define(s.Create.As)
	case s.Update != nil:
		if err := known("update.of", s.Update.Of); err != nil {
			return err
		}
		return define(s.Update.As)
	case s.Delete != nil:
		if err := known("delete.of", s.Delete.Of); err != nil {
			return err
		}
		return define(s.Delete.As)
	case s.Link != nil:
		if err := known("link.base", s.Link.Base); err != nil {
			return err
		}
		if err := known("link.target", s.Link.Target); err != nil {
			return err
		}
		return define(s.Link.As)
	case s.Unlink != nil:
		if err := known("unlink.of", s.Unlink.Of); err != nil {
			return err
		}
		return define(s.Unlink.As)
	case s.Deliver != nil:
		if s.Deliver.Agent == "" && len(s.Deliver.Elements) == 0 {
			return fmt.Errorf("deliver needs an agent or elements")
		}
		for _, l := range s.Deliver.Elements {
			if err := known("deliver.elements", l); err != nil {
				return err
			}
		}
		for _, t := range s.Deliver.Ops {
			if !validOpType(ir.OpType(t)) {
				return fmt.Errorf("deliver.ops: unknown op type %q", t)
			}
		}
	case len(s.Fetch) > 0:
		for _, l := range s.Fetch {
			if err := known("fetch", l); err != nil {
				return err
			}
		}
	case s.Advance != "":
		if _, err := time.ParseDuration(s.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	return nil
}

func (a Assertion) validate(labels map[string]bool) error {
	needElement := func() error {
		if a.Element == "" {
			return fmt.Errorf("%s needs an element", a.Type)
		}
		if !labels[a.Element] {
			return fmt.Errorf("%s: unknown element %q", a.Type, a.Element)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertStatus:
		if err := needElement(); err != nil {
			return err
		}
		if !validOpType(ir.OpType(a.Op)) {
			return fmt.Errorf("status: unknown op type %q", a.Op)
		}
		if a.Scope == "" && a.Status == "" && a.Reason == "" {
			return fmt.Errorf("status needs scope, status or reason")
		}
		if a.Scope != "" {
			if _, err := ir.ParseScope(a.Scope); err != nil {
				return fmt.Errorf("status: %w", err)
			}
		}
	case AssertCounts:
		if len(a.Counts) == 0 {
			return fmt.Errorf("counts needs counts")
		}
	case AssertGet:
		if err := needElement(); err != nil {
			return err
		}
		switch a.Result {
		case GetFound, GetNotYetAvailable, GetNotHeld:
		default:
			return fmt.Errorf("get: unknown result %q", a.Result)
		}
	case AssertLinks:
		if err := needElement(); err != nil {
			return err
		}
		if a.Count == nil {
			return fmt.Errorf("links needs a count")
		}
	case AssertActivity:
		if a.Agent == "" || a.Count == nil {
			return fmt.Errorf("activity needs an agent and a count")
		}
	case AssertVerify:
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// genesisLabels names the three genesis elements of an agent.
func genesisLabels(agent string) []string {
	return []string{agent + ".dna", agent + ".avp", agent + ".key"}
}

func validOpType(t ir.OpType) bool {
	switch t {
	case ir.OpStoreElement, ir.OpStoreEntry, ir.OpRegisterAgentActivity,
		ir.OpRegisterUpdatedContent, ir.OpRegisterDeletedBy,
		ir.OpRegisterAddLink, ir.OpRegisterRemoveLink:
		return true
	}
	return false
}
