package utils

import "testing"

func TestShouldInclude(t *testing.T) {
	m := NewPatternMatcher([]string{"*.js"}, []string{"*.min.js"})
	if !m.ShouldInclude("/proj/node_modules/chalk/index.js") {
		t.Fatal("expected .js include")
	}
	if m.ShouldInclude("/proj/dist/bundle.min.js") {
		t.Fatal("expected .min.js exclude")
	}
	if m.ShouldInclude("/proj/readme.md") {
		t.Fatal("expected .md rejected by include set")
	}
}

func TestMatchesIgnoresExcludes(t *testing.T) {
	m := NewPatternMatcher([]string{"*.json"}, []string{"*.json"})
	if !m.Matches("/proj/node_modules/left-pad/tasks.json") {
		t.Fatal("Matches should only consult include patterns")
	}
}

func TestRegexPatterns(t *testing.T) {
	m := NewPatternMatcher([]string{`test-env-\d+`}, nil)
	if !m.Matches("/proj/.test-env-42") {
		t.Fatal("expected regex match on full path")
	}
	if m.Matches("/proj/src/index.js") {
		t.Fatal("unexpected match")
	}
}

func TestNilMatcher(t *testing.T) {
	var m *PatternMatcher
	if !m.ShouldInclude("/anything") {
		t.Fatal("nil matcher should include everything")
	}
	if m.Matches("/anything") {
		t.Fatal("nil matcher should match nothing")
	}
}

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	if !IsPathWithin(root+"/node_modules/chalk/index.js", []string{root}) {
		t.Fatal("expected child path within root")
	}
	if IsPathWithin("/etc/passwd", []string{root}) {
		t.Fatal("expected outside path rejected")
	}
}

func TestIsSamePath(t *testing.T) {
	root := t.TempDir()
	if !IsSamePath(root, root+"/.") {
		t.Fatal("expected normalized paths equal")
	}
	if IsSamePath(root, root+"/sub") {
		t.Fatal("expected distinct paths unequal")
	}
}
