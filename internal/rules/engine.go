// Package rules implements the compiled multi-pattern content-match rule
// engine: a single Aho-Corasick automaton over every rule's atoms plus a
// per-rule boolean expression evaluated against the atom hit-set a scan
// produces. The automaton and evaluator are hand-written — this is the
// product's core detection logic, not ambient plumbing, so it is built
// directly rather than pulled from a library.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/edrcore/core/internal/event"
)

// DefaultMMapMin is MMAP_MIN: files at or above this size are memory-mapped
// for scanning rather than read into a buffer.
const DefaultMMapMin = 64 * 1024

// RuleHit is the scan result for one matched rule: its id, the atom ids
// (scoped to that rule) that contributed, in ascending order, and the
// severity the rule declared at compile time.
type RuleHit struct {
	RuleID   string
	Matches  []string
	Severity event.Severity
}

type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	ID         string    `yaml:"id"`
	Severity   string    `yaml:"severity"`
	Atoms      []atomDef `yaml:"atoms"`
	Expression string    `yaml:"expression"`
}

type atomDef struct {
	ID        string `yaml:"id"`
	Kind      string `yaml:"kind"`
	Value     string `yaml:"value"`
	Wildcards []int  `yaml:"wildcards"`
}

type compiledRule struct {
	id       string
	severity event.Severity
	atomIDs  []string // ascending, the atoms declared under this rule
	expr     exprNode
}

// Generation is an immutable compiled ruleset snapshot. A new Generation is
// built wholesale on Reload and swapped in atomically; scans in flight keep
// using the Generation they started with.
type Generation struct {
	rules     []compiledRule // sorted ascending by id
	automaton *automaton
}

func compileGeneration(rf ruleFile) (*Generation, error) {
	var atoms []Atom
	rules := make([]compiledRule, 0, len(rf.Rules))

	for _, rd := range rf.Rules {
		if rd.ID == "" {
			return nil, fmt.Errorf("rules: rule with empty id")
		}
		known := make(map[string]bool, len(rd.Atoms))
		atomIDs := make([]string, 0, len(rd.Atoms))
		for _, ad := range rd.Atoms {
			if ad.ID == "" {
				return nil, fmt.Errorf("rules: rule %s: atom with empty id", rd.ID)
			}
			a, err := compileAtom(rd.ID, ad)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, a)
			known[ad.ID] = true
			atomIDs = append(atomIDs, ad.ID)
		}
		sort.Strings(atomIDs)

		expr, err := parseExpression(rd.Expression, known)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %s: %w", rd.ID, err)
		}
		sev, err := parseSeverity(rd.Severity)
		if err != nil {
			return nil, fmt.Errorf("rules: rule %s: %w", rd.ID, err)
		}
		rules = append(rules, compiledRule{id: rd.ID, severity: sev, atomIDs: atomIDs, expr: expr})
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].id < rules[j].id })

	return &Generation{rules: rules, automaton: buildAutomaton(atoms)}, nil
}

func parseSeverity(s string) (event.Severity, error) {
	switch s {
	case "LOW":
		return event.SeverityLow, nil
	case "MEDIUM":
		return event.SeverityMedium, nil
	case "HIGH":
		return event.SeverityHigh, nil
	case "CRITICAL":
		return event.SeverityCritical, nil
	default:
		return event.SeverityUnknown, fmt.Errorf("rules: unknown severity %q", s)
	}
}

// evaluate runs the automaton once over data and returns RuleHits in
// lexicographic rule_id order, each with matches in ascending atom_id
// order — both orders fall out of the Generation's own sorted slices.
func (g *Generation) evaluate(data []byte) []RuleHit {
	hitAtoms := g.automaton.scan(data)

	var hits []RuleHit
	for _, r := range g.rules {
		ruleHit := make(map[string]bool, len(r.atomIDs))
		var matches []string
		for _, aid := range r.atomIDs {
			if hitAtoms[r.id+"\x00"+aid] {
				ruleHit[aid] = true
				matches = append(matches, aid)
			}
		}
		if r.expr.eval(ruleHit) {
			hits = append(hits, RuleHit{RuleID: r.id, Matches: matches, Severity: r.severity})
		}
	}
	return hits
}

// RuleIDs returns every rule id in this generation, ascending, for the
// control plane's /debug/ruleset dump.
func (g *Generation) RuleIDs() []string {
	ids := make([]string, len(g.rules))
	for i, r := range g.rules {
		ids[i] = r.id
	}
	return ids
}

// Engine holds the active Generation behind an atomic pointer so Reload can
// install a new compiled ruleset without blocking or racing concurrent
// scans.
type Engine struct {
	gen     atomic.Pointer[Generation]
	mmapMin int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMMapMin overrides DefaultMMapMin.
func WithMMapMin(n int64) EngineOption {
	return func(e *Engine) { e.mmapMin = n }
}

// NewEngine loads and compiles the ruleset at path and returns a ready
// Engine.
func NewEngine(path string, opts ...EngineOption) (*Engine, error) {
	e := &Engine{mmapMin: DefaultMMapMin}
	for _, o := range opts {
		o(e)
	}
	gen, err := LoadGeneration(path)
	if err != nil {
		return nil, err
	}
	e.gen.Store(gen)
	return e, nil
}

// LoadGeneration reads and compiles the YAML ruleset at path into a new
// immutable Generation, without installing it into any Engine.
func LoadGeneration(path string) (*Generation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read ruleset: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("rules: parse ruleset: %w", err)
	}
	return compileGeneration(rf)
}

// Reload recompiles the ruleset at path and atomically swaps it in. Scans
// already in flight keep running against the Generation they started with.
func (e *Engine) Reload(path string) error {
	gen, err := LoadGeneration(path)
	if err != nil {
		return err
	}
	e.gen.Store(gen)
	return nil
}

// Generation returns the currently active compiled ruleset.
func (e *Engine) Generation() *Generation { return e.gen.Load() }

// Scan opens path read-only, maps or buffers its bytes depending on size,
// and runs the active generation's automaton over them in one pass. A file
// that cannot be opened or stat'd (sharing violation, path not found,
// permission) yields an empty result and a nil error; the cause is logged
// through slog's default logger, never surfaced as a scan failure.
func (e *Engine) Scan(path string) ([]RuleHit, error) {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("rules: cannot open scan target", "path", path, "error", err)
		return nil, nil
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		slog.Warn("rules: cannot stat scan target", "path", path, "error", err)
		return nil, nil
	}
	if fi.IsDir() {
		return nil, nil
	}

	var data []byte
	if fi.Size() >= e.mmapMin && fi.Size() > 0 {
		mapped, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, nil
		}
		defer unix.Munmap(mapped)
		data = mapped
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, nil
		}
	}

	gen := e.gen.Load()
	return gen.evaluate(data), nil
}
