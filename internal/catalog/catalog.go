// File: internal/catalog/catalog.go
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embedded []byte

// BindMode selects how a blueprint is instantiated from evidence.
type BindMode string

const (
	// BindNone instantiates the blueprint once with target parameters.
	BindNone BindMode = "none"
	// BindDisabledRequirements instantiates once per disabled driver service.
	BindDisabledRequirements BindMode = "disabled-requirements"
	// BindMissingRequirements instantiates once per requirement without a
	// driver that has a usable candidate package.
	BindMissingRequirements BindMode = "missing-requirements"
)

func (b BindMode) valid() bool {
	return b == BindNone || b == BindDisabledRequirements || b == BindMissingRequirements
}

// Placeholders that templates may reference.
var knownPlaceholders = map[string]bool{
	"os_root":          true,
	"windows":          true,
	"volume":           true,
	"system_partition": true,
	"system_hive":      true,
	"control_set":      true,
	"service":          true,
	"hardware_id":      true,
	"inf":              true,
}

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// Placeholders returns the placeholder names referenced in s.
func Placeholders(s string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

// Blueprint is an unbound step of a repair template.
type Blueprint struct {
	ID              string
	TemplateID      string
	Description     string
	Operation       schemas.OperationKind
	Destructiveness schemas.Destructiveness
	Bind            BindMode
	Timeout         schemas.TimeoutClass
	// Pre and Post carry argument templates in Condition.Arg.
	Pre          []schemas.Condition
	Post         []schemas.Condition
	Checkpoint   []schemas.CheckpointTarget
	Args         map[string]string
	Fallback     *Blueprint
	FallbackRef  string
	RetryPrimary bool
}

// Ref is the catalog-wide reference "template/step".
func (b *Blueprint) Ref() string { return b.TemplateID + "/" + b.ID }

// Template is a named, ordered list of blueprints.
type Template struct {
	ID       string
	Title    string
	Stages   []schemas.Stage
	Patterns []schemas.PatternCode
	Steps    []*Blueprint
}

// HasStage reports whether the template is keyed by the stage.
func (t *Template) HasStage(s schemas.Stage) bool {
	for _, st := range t.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Catalog is the static decision catalog. It is loaded once and never mutated.
type Catalog struct {
	Version                   int
	MinConfidence             int
	StageAgreementBonus       int
	DefaultCorroborationBonus int
	Signatures                []schemas.FailureSignature
	Templates                 []*Template

	signatureIndex map[schemas.SignatureCode]int
	templateIndex  map[string]int
	blueprints     map[string]*Blueprint
}

// Signature returns the signature for a code.
func (c *Catalog) Signature(code schemas.SignatureCode) (schemas.FailureSignature, bool) {
	i, ok := c.signatureIndex[code]
	if !ok {
		return schemas.FailureSignature{}, false
	}
	return c.Signatures[i], true
}

// SignatureOrder is the catalog position of a code, used for tie-breaking.
func (c *Catalog) SignatureOrder(code schemas.SignatureCode) int {
	if i, ok := c.signatureIndex[code]; ok {
		return i
	}
	return len(c.Signatures)
}

// Template returns a template by ID.
func (c *Catalog) Template(id string) (*Template, bool) {
	i, ok := c.templateIndex[id]
	if !ok {
		return nil, false
	}
	return c.Templates[i], true
}

// TemplateOrder is the catalog position of a template.
func (c *Catalog) TemplateOrder(id string) int {
	if i, ok := c.templateIndex[id]; ok {
		return i
	}
	return len(c.Templates)
}

// Blueprint resolves a "template/step" reference.
func (c *Catalog) Blueprint(ref string) (*Blueprint, bool) {
	b, ok := c.blueprints[ref]
	return b, ok
}

// -- Loading --

type rawCatalog struct {
	Version                   int            `yaml:"version"`
	MinConfidence             int            `yaml:"min_confidence"`
	StageAgreementBonus       int            `yaml:"stage_agreement_bonus"`
	DefaultCorroborationBonus int            `yaml:"default_corroboration_bonus"`
	Signatures                []rawSignature `yaml:"signatures"`
	Templates                 []rawTemplate  `yaml:"templates"`
}

type rawSignature struct {
	Code          string         `yaml:"code"`
	Stage         string         `yaml:"stage"`
	BaseWeight    int            `yaml:"base_weight"`
	Explanation   string         `yaml:"explanation"`
	Causes        []string       `yaml:"causes"`
	Actions       []string       `yaml:"actions"`
	Corroboration map[string]int `yaml:"corroboration"`
}

type rawTemplate struct {
	ID       string         `yaml:"id"`
	Title    string         `yaml:"title"`
	Stages   []string       `yaml:"stages"`
	Patterns []string       `yaml:"patterns"`
	Steps    []rawBlueprint `yaml:"steps"`
}

type rawBlueprint struct {
	ID              string                     `yaml:"id"`
	Description     string                     `yaml:"description"`
	Operation       string                     `yaml:"operation"`
	Destructiveness string                     `yaml:"destructiveness"`
	Bind            string                     `yaml:"bind"`
	Timeout         string                     `yaml:"timeout"`
	Pre             []string                   `yaml:"pre"`
	Post            []string                   `yaml:"post"`
	Checkpoint      []schemas.CheckpointTarget `yaml:"checkpoint"`
	Args            map[string]string          `yaml:"args"`
	Fallback        string                     `yaml:"fallback"`
	RetryPrimary    bool                       `yaml:"retry_primary"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(embedded)
}

// Load reads a catalog file, or the embedded catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalog document. Unknown fields and unknown
// enumeration values are errors.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw rawCatalog
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return build(raw)
}

func build(raw rawCatalog) (*Catalog, error) {
	if raw.MinConfidence <= 0 || raw.MinConfidence > 100 {
		return nil, fmt.Errorf("min_confidence must be within 1..100, got %d", raw.MinConfidence)
	}
	if raw.StageAgreementBonus < 0 || raw.DefaultCorroborationBonus < 0 {
		return nil, fmt.Errorf("bonuses must not be negative")
	}

	c := &Catalog{
		Version:                   raw.Version,
		MinConfidence:             raw.MinConfidence,
		StageAgreementBonus:       raw.StageAgreementBonus,
		DefaultCorroborationBonus: raw.DefaultCorroborationBonus,
		signatureIndex:            make(map[schemas.SignatureCode]int),
		templateIndex:             make(map[string]int),
		blueprints:                make(map[string]*Blueprint),
	}

	for i, rs := range raw.Signatures {
		sig, err := buildSignature(rs)
		if err != nil {
			return nil, fmt.Errorf("signature[%d]: %w", i, err)
		}
		if _, dup := c.signatureIndex[sig.Code]; dup {
			return nil, fmt.Errorf("signature %q defined twice", sig.Code)
		}
		c.signatureIndex[sig.Code] = len(c.Signatures)
		c.Signatures = append(c.Signatures, sig)
	}

	for i, rt := range raw.Templates {
		tpl, err := buildTemplate(rt)
		if err != nil {
			return nil, fmt.Errorf("template[%d] %q: %w", i, rt.ID, err)
		}
		if _, dup := c.templateIndex[tpl.ID]; dup {
			return nil, fmt.Errorf("template %q defined twice", tpl.ID)
		}
		c.templateIndex[tpl.ID] = len(c.Templates)
		c.Templates = append(c.Templates, tpl)
		for _, bp := range tpl.Steps {
			c.blueprints[bp.Ref()] = bp
		}
	}

	if err := c.linkFallbacks(); err != nil {
		return nil, err
	}
	return c, nil
}

func buildSignature(rs rawSignature) (schemas.FailureSignature, error) {
	code := schemas.SignatureCode(rs.Code)
	if !code.Valid() {
		return schemas.FailureSignature{}, fmt.Errorf("unknown signature code %q", rs.Code)
	}
	stage, err := schemas.ParseStage(rs.Stage)
	if err != nil || !stage.Valid() {
		return schemas.FailureSignature{}, fmt.Errorf("%s: invalid stage %q", rs.Code, rs.Stage)
	}
	if rs.BaseWeight <= 0 || rs.BaseWeight > 100 {
		return schemas.FailureSignature{}, fmt.Errorf("%s: base_weight must be within 1..100", rs.Code)
	}
	corr := make(map[schemas.Category]int, len(rs.Corroboration))
	for name, bonus := range rs.Corroboration {
		cat := schemas.Category(name)
		if !cat.Valid() {
			return schemas.FailureSignature{}, fmt.Errorf("%s: unknown corroboration category %q", rs.Code, name)
		}
		if bonus < 0 {
			return schemas.FailureSignature{}, fmt.Errorf("%s: negative bonus for %s", rs.Code, name)
		}
		corr[cat] = bonus
	}
	return schemas.FailureSignature{
		Code:          code,
		Stage:         stage,
		Explanation:   rs.Explanation,
		Causes:        rs.Causes,
		Actions:       rs.Actions,
		BaseWeight:    rs.BaseWeight,
		Corroboration: corr,
	}, nil
}

func buildTemplate(rt rawTemplate) (*Template, error) {
	if rt.ID == "" || strings.Contains(rt.ID, "/") {
		return nil, fmt.Errorf("template id must be non-empty and contain no '/'")
	}
	if len(rt.Steps) == 0 {
		return nil, fmt.Errorf("template has no steps")
	}
	if len(rt.Stages) == 0 && len(rt.Patterns) == 0 {
		return nil, fmt.Errorf("template is keyed by neither a stage nor a pattern")
	}
	tpl := &Template{ID: rt.ID, Title: rt.Title}
	for _, s := range rt.Stages {
		st, err := schemas.ParseStage(s)
		if err != nil || !st.Valid() {
			return nil, fmt.Errorf("invalid stage %q", s)
		}
		tpl.Stages = append(tpl.Stages, st)
	}
	for _, p := range rt.Patterns {
		pc := schemas.PatternCode(p)
		if !pc.Valid() {
			return nil, fmt.Errorf("unknown pattern %q", p)
		}
		tpl.Patterns = append(tpl.Patterns, pc)
	}
	seen := map[string]bool{}
	for _, rb := range rt.Steps {
		if seen[rb.ID] {
			return nil, fmt.Errorf("step %q defined twice", rb.ID)
		}
		seen[rb.ID] = true
		bp, err := buildBlueprint(rt.ID, rb)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", rb.ID, err)
		}
		tpl.Steps = append(tpl.Steps, bp)
	}
	return tpl, nil
}

func buildBlueprint(templateID string, rb rawBlueprint) (*Blueprint, error) {
	if rb.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	op := schemas.OperationKind(rb.Operation)
	if !op.Valid() || op == schemas.OpBlocked {
		return nil, fmt.Errorf("unknown operation %q", rb.Operation)
	}
	d, err := schemas.ParseDestructiveness(rb.Destructiveness)
	if err != nil {
		return nil, err
	}
	bind := BindMode(rb.Bind)
	if bind == "" {
		bind = BindNone
	}
	if !bind.valid() {
		return nil, fmt.Errorf("unknown bind mode %q", rb.Bind)
	}
	timeout := schemas.TimeoutClass(rb.Timeout)
	if timeout != schemas.TimeoutShort && timeout != schemas.TimeoutLong {
		return nil, fmt.Errorf("timeout must be short or long, got %q", rb.Timeout)
	}
	if len(rb.Post) == 0 {
		return nil, fmt.Errorf("a step without postconditions can never be verified")
	}
	if d > schemas.ReadOnly && len(rb.Checkpoint) == 0 {
		return nil, fmt.Errorf("destructive step declares no checkpoint")
	}

	bp := &Blueprint{
		ID:              rb.ID,
		TemplateID:      templateID,
		Description:     rb.Description,
		Operation:       op,
		Destructiveness: d,
		Bind:            bind,
		Timeout:         timeout,
		Checkpoint:      rb.Checkpoint,
		Args:            rb.Args,
		FallbackRef:     rb.Fallback,
		RetryPrimary:    rb.RetryPrimary,
	}
	if bp.Pre, err = parseConditions(rb.Pre); err != nil {
		return nil, fmt.Errorf("pre: %w", err)
	}
	if bp.Post, err = parseConditions(rb.Post); err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}

	texts := []string{rb.Description}
	for _, ct := range rb.Checkpoint {
		if ct.Kind != schemas.CheckpointFile && ct.Kind != schemas.CheckpointRegistry {
			return nil, fmt.Errorf("unknown checkpoint kind %q", ct.Kind)
		}
		texts = append(texts, ct.Path)
	}
	for _, v := range rb.Args {
		texts = append(texts, v)
	}
	texts = append(texts, rb.Pre...)
	texts = append(texts, rb.Post...)
	for _, s := range texts {
		for _, name := range Placeholders(s) {
			if !knownPlaceholders[name] {
				return nil, fmt.Errorf("unknown placeholder {%s}", name)
			}
		}
	}
	return bp, nil
}

func parseConditions(in []string) ([]schemas.Condition, error) {
	out := make([]schemas.Condition, 0, len(in))
	for _, s := range in {
		c, err := schemas.ParseCondition(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// linkFallbacks resolves fallback references and rejects cycles.
func (c *Catalog) linkFallbacks() error {
	for _, tpl := range c.Templates {
		for _, bp := range tpl.Steps {
			if bp.FallbackRef == "" {
				continue
			}
			target, ok := c.blueprints[bp.FallbackRef]
			if !ok {
				return fmt.Errorf("%s: fallback %q does not exist", bp.Ref(), bp.FallbackRef)
			}
			bp.Fallback = target
		}
	}
	for _, tpl := range c.Templates {
		for _, bp := range tpl.Steps {
			seen := map[string]bool{}
			for cur := bp; cur != nil; cur = cur.Fallback {
				if seen[cur.Ref()] {
					return fmt.Errorf("%s: fallback chain loops at %s", bp.Ref(), cur.Ref())
				}
				seen[cur.Ref()] = true
			}
		}
	}
	return nil
}
