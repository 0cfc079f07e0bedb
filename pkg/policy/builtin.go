package policy

// builtinPolicies returns the rules every gate carries. They encode
// the production guardrails: destructive changes to a production-tier
// environment need an explicit opt-in.
func builtinPolicies() []Policy {
	return []Policy{
		productionDestructivePolicy(),
		productionTeardownPolicy(),
		orphanNoticePolicy(),
	}
}

// productionDestructivePolicy denies REPLACE and DESTROY actions in
// production-tier environments unless the plan was built with the
// destructive opt-in.
func productionDestructivePolicy() Policy {
	return Policy{
		Name:        "production-destructive",
		Description: "Destructive actions in production require an explicit opt-in",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"production", "guardrail"},
		Rego: `package openlift.policies.production

import rego.v1

deny contains violation if {
	input.environment.tier == "production"
	not input.plan.allow_destructive
	some action in input.plan.actions
	action.destructive
	violation := {
		"message": sprintf("%s would %s in production; re-run with the destructive flag to confirm", [action.key, action.type]),
		"severity": "error",
		"resource": action.key,
	}
}
`,
	}
}

// productionTeardownPolicy denies full environment teardown in
// production regardless of per-action checks.
func productionTeardownPolicy() Policy {
	return Policy{
		Name:        "production-teardown",
		Description: "Tearing down a production environment requires an explicit opt-in",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"production", "guardrail"},
		Rego: `package openlift.policies.teardown

import rego.v1

deny contains violation if {
	input.environment.tier == "production"
	input.plan.destroy
	not input.plan.allow_destructive
	violation := {
		"message": sprintf("refusing to destroy production environment %s without the destructive flag", [input.environment.name]),
		"severity": "critical",
	}
}
`,
	}
}

// orphanNoticePolicy surfaces orphaned resources as warnings so they
// show up in every plan evaluation, without blocking it.
func orphanNoticePolicy() Policy {
	return Policy{
		Name:        "orphan-notice",
		Description: "Recorded resources no longer declared should be reviewed",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"hygiene"},
		Rego: `package openlift.policies.orphans

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.type == "ORPHAN"
	violation := {
		"message": sprintf("%s is recorded but no longer declared", [action.key]),
		"severity": "warning",
		"resource": action.key,
	}
}
`,
	}
}
