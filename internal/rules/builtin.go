package rules

import (
	_ "embed"
)

//go:embed builtin/rules.yaml
var builtinYAML []byte

// Builtin parses the embedded default rule set. The embedded file is
// validated by tests, so a parse failure here is a build defect; it is
// surfaced as an error anyway rather than a panic so a corrupted binary
// degrades to "no builtin rules" with a loud log line.
func Builtin() (*RuleSet, error) {
	return ParseRuleSet(builtinYAML, "builtin:rules.yaml")
}
