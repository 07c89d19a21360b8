package models

// PermissionRule matches tool invocations. Tool is required; the remaining
// fields narrow the match. Command is a token-prefix match on bash segments,
// CommandGlob a glob over the normalized command text, and SkillName an exact
// match for skill_load invocations.
type PermissionRule struct {
	Tool        string `json:"tool" yaml:"tool"`
	Command     string `json:"command,omitempty" yaml:"command,omitempty"`
	CommandGlob string `json:"command_glob,omitempty" yaml:"command_glob,omitempty"`
	SkillName   string `json:"skill_name,omitempty" yaml:"skill_name,omitempty"`
}

// PermissionRules is a ruleset partitioned into allow and deny lists. Deny
// always wins over allow.
type PermissionRules struct {
	Allow []PermissionRule `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []PermissionRule `json:"deny,omitempty" yaml:"deny,omitempty"`
}
