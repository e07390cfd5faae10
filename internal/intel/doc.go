// Package intel turns incidents into text through a language model and back
// into structured fields. Each capability pairs a prompt with a narrow
// line-oriented parser and a deterministic fallback used when the model is
// unavailable or not configured.
//
// The parsers accept the fixed grammars the prompts ask for:
//
//	SEVERITY: SEV2
//	TITLE: API gateway error rate above threshold
//	AFFECTED_SERVICES: api-gateway, auth
//	SYMPTOMS: 5xx responses at 12%
//	IMMEDIATE_ACTIONS: check upstream health, roll back last deploy
//
// and for postmortems, "## Action Items" / "## Lessons Learned" markdown
// sections with "- [HIGH] ..." bullets, or ACTION/PRIORITY/CATEGORY/
// ESTIMATED_EFFORT blocks.
package intel
