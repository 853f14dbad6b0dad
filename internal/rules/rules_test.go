package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edrcore/core/internal/event"
)

func writeRuleFile(t *testing.T, yamlSrc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(yamlSrc), 0o600); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	return path
}

func writeScanTarget(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.bin")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write scan target: %v", err)
	}
	return path
}

const basicRules = `
rules:
  - id: R_TEST
    severity: HIGH
    atoms:
      - id: A1
        kind: string
        value: GLADIXMATCH
    expression: "A1"
`

func TestEngineMatchesStringAtom(t *testing.T) {
	rulesPath := writeRuleFile(t, basicRules)
	target := writeScanTarget(t, []byte("prefix GLADIXMATCH suffix"))

	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	hits, err := e.Scan(target)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(hits) != 1 || hits[0].RuleID != "R_TEST" || hits[0].Severity != event.SeverityHigh {
		t.Fatalf("got %+v, want one R_TEST/HIGH hit", hits)
	}
	if len(hits[0].Matches) != 1 || hits[0].Matches[0] != "A1" {
		t.Fatalf("got matches %v, want [A1]", hits[0].Matches)
	}
}

func TestEngineNoMatchWhenAtomAbsent(t *testing.T) {
	rulesPath := writeRuleFile(t, basicRules)
	target := writeScanTarget(t, []byte("nothing interesting here"))

	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	hits, err := e.Scan(target)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %+v, want no hits", hits)
	}
}

func TestEngineWildcardHexAtom(t *testing.T) {
	src := `
rules:
  - id: R_HEX
    severity: MEDIUM
    atoms:
      - id: A1
        kind: hex
        value: "4D5A000000"
        wildcards: [2, 3]
    expression: "A1"
`
	rulesPath := writeRuleFile(t, src)

	matching := writeScanTarget(t, []byte{0x00, 0x4D, 0x5A, 0x12, 0x34, 0x00, 0xFF})
	nonMatching := writeScanTarget(t, []byte{0x00, 0x4D, 0x5A, 0x12, 0x34, 0x01, 0xFF}) // last non-wildcard byte differs

	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	hits, err := e.Scan(matching)
	if err != nil || len(hits) != 1 {
		t.Fatalf("matching: got hits=%+v err=%v, want one hit", hits, err)
	}

	hits, err = e.Scan(nonMatching)
	if err != nil || len(hits) != 0 {
		t.Fatalf("nonMatching: got hits=%+v err=%v, want no hits", hits, err)
	}
}

func TestEngineBooleanExpressionAndOrNot(t *testing.T) {
	src := `
rules:
  - id: R_EXPR
    severity: LOW
    atoms:
      - id: A
        kind: string
        value: AAA
      - id: B
        kind: string
        value: BBB
      - id: C
        kind: string
        value: CCC
    expression: "A and (B or not C)"
`
	rulesPath := writeRuleFile(t, src)
	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	cases := []struct {
		name string
		data string
		want bool
	}{
		{"A and B present", "AAA BBB", true},
		{"only A present (not C true)", "AAA", true},
		{"A and C present, no B", "AAA CCC", false},
		{"no A at all", "BBB", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := writeScanTarget(t, []byte(tc.data))
			hits, err := e.Scan(target)
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			got := len(hits) == 1
			if got != tc.want {
				t.Fatalf("got match=%v, want %v (hits=%+v)", got, tc.want, hits)
			}
		})
	}
}

func TestEngineDeterministicOrdering(t *testing.T) {
	src := `
rules:
  - id: R_ZEBRA
    severity: LOW
    atoms:
      - id: Z2
        kind: string
        value: ZWORD
      - id: Z1
        kind: string
        value: YWORD
    expression: "Z1 or Z2"
  - id: R_ALPHA
    severity: LOW
    atoms:
      - id: A1
        kind: string
        value: XWORD
    expression: "A1"
`
	rulesPath := writeRuleFile(t, src)
	target := writeScanTarget(t, []byte("XWORD YWORD ZWORD"))

	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	hits, err := e.Scan(target)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(hits) != 2 || hits[0].RuleID != "R_ALPHA" || hits[1].RuleID != "R_ZEBRA" {
		t.Fatalf("got %+v, want R_ALPHA before R_ZEBRA", hits)
	}
	if len(hits[1].Matches) != 2 || hits[1].Matches[0] != "Z1" || hits[1].Matches[1] != "Z2" {
		t.Fatalf("got matches %v, want [Z1 Z2] ascending", hits[1].Matches)
	}
}

func TestScanMissingFileYieldsEmptyResultNotError(t *testing.T) {
	rulesPath := writeRuleFile(t, basicRules)
	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	hits, err := e.Scan(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Scan: got error %v, want nil", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %+v, want no hits", hits)
	}
}

func TestEngineMMapAndBufferedPathsAgree(t *testing.T) {
	rulesPath := writeRuleFile(t, basicRules)
	payload := make([]byte, 0, 200*1024)
	payload = append(payload, []byte("padding-")...)
	for len(payload) < 100*1024 {
		payload = append(payload, 'x')
	}
	payload = append(payload, []byte("GLADIXMATCH")...)
	target := writeScanTarget(t, payload)

	buffered, err := NewEngine(rulesPath, WithMMapMin(1<<30))
	if err != nil {
		t.Fatalf("NewEngine buffered: %v", err)
	}
	mapped, err := NewEngine(rulesPath, WithMMapMin(0))
	if err != nil {
		t.Fatalf("NewEngine mapped: %v", err)
	}

	bufHits, err := buffered.Scan(target)
	if err != nil {
		t.Fatalf("buffered scan: %v", err)
	}
	mapHits, err := mapped.Scan(target)
	if err != nil {
		t.Fatalf("mapped scan: %v", err)
	}
	if len(bufHits) != 1 || len(mapHits) != 1 {
		t.Fatalf("got buffered=%+v mapped=%+v, want one hit each", bufHits, mapHits)
	}
}

func TestReloadSwapsGenerationAtomically(t *testing.T) {
	rulesPath := writeRuleFile(t, basicRules)
	e, err := NewEngine(rulesPath)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if got := e.Generation().RuleIDs(); len(got) != 1 || got[0] != "R_TEST" {
		t.Fatalf("got rule ids %v, want [R_TEST]", got)
	}

	updated := `
rules:
  - id: R_NEW
    severity: CRITICAL
    atoms:
      - id: A1
        kind: string
        value: NEWATOM
    expression: "A1"
`
	if err := os.WriteFile(rulesPath, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite rules file: %v", err)
	}
	if err := e.Reload(rulesPath); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := e.Generation().RuleIDs(); len(got) != 1 || got[0] != "R_NEW" {
		t.Fatalf("got rule ids %v after reload, want [R_NEW]", got)
	}
}

func TestCompileRejectsUnknownAtomInExpression(t *testing.T) {
	src := `
rules:
  - id: R_BAD
    severity: LOW
    atoms:
      - id: A1
        kind: string
        value: FOO
    expression: "B1"
`
	rulesPath := writeRuleFile(t, src)
	if _, err := NewEngine(rulesPath); err == nil {
		t.Fatal("expected error for expression referencing unknown atom id")
	}
}

func TestCompileRejectsAllWildcardAtom(t *testing.T) {
	src := `
rules:
  - id: R_BAD
    severity: LOW
    atoms:
      - id: A1
        kind: hex
        value: "0000"
        wildcards: [0, 1]
    expression: "A1"
`
	rulesPath := writeRuleFile(t, src)
	if _, err := NewEngine(rulesPath); err == nil {
		t.Fatal("expected error for atom with no non-wildcard anchor")
	}
}
