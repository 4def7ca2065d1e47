package policy

// DefaultPolicyYAML returns the commented policy written by init-policy.
// It is the executable form of the deployment's security rules; prose
// documentation of intent lives elsewhere and is never evaluated.
func DefaultPolicyYAML() string {
	return `# shieldclaw security policy
# Generated by: shieldclaw init-policy
#
# Required keys: version, max_input_length, rate_limit, features, patterns.
# A missing or malformed key makes the defense engine reject every input
# with reason "policy_unavailable" until the file is fixed.

version: "1"

# Inputs longer than this many bytes are rejected with "length_exceeded".
max_input_length: 8000

# strict_mode: reject on obfuscation heuristics (zero-width characters,
# non-printable density) even when no pattern matches.
strict_mode: false

rate_limit:
  requests_per_minute: 60
  burst: 10

features:
  authentication_required: true
  pii_detection: true
  audit_logging: true
  kill_switch_enabled: true
  prompt_injection_defense: true

# Optional. Addresses or CIDR prefixes allowed to reach the runtime.
ip_allowlist: []

tools:
  allow: []
  deny:
    - shell_exec
  require_approval:
    - file_write
    - http_post

obfuscation:
  max_non_printable_ratio: 0.10
  min_base64_length: 24

# Injection signatures. Substring patterns are case-insensitive;
# regex patterns are compiled with (?i).
# category: override | role-manipulation | context-poisoning | encoding | exfiltration
# severity: low | medium | high | critical
patterns:
  - id: ovr-ignore-previous
    pattern: "ignore previous instructions"
    category: override
    severity: critical
  - id: ovr-disregard-previous
    pattern: "disregard all previous"
    category: override
    severity: critical
  - id: ovr-forget-everything
    pattern: "forget everything"
    category: override
    severity: high
  - id: ovr-new-instructions
    pattern: '(new|updated|revised|real|actual)\s+(instructions?|system\s+prompt|directives?)\s*:'
    regex: true
    category: override
    severity: high
  - id: ovr-bypass-rules
    pattern: '(ignore|disregard|override|bypass)\s+(all\s+)?(prior|above|earlier|original|system)\s+(instructions?|prompts?|rules?|guidelines?)'
    regex: true
    category: override
    severity: critical
  - id: role-you-are-now
    pattern: "you are now"
    category: role-manipulation
    severity: medium
  - id: role-developer-mode
    pattern: '(developer|god|sudo|unrestricted)\s+mode'
    regex: true
    category: role-manipulation
    severity: high
  - id: role-jailbreak
    pattern: "jailbreak"
    category: role-manipulation
    severity: high
  - id: role-dan
    pattern: '\b(DAN\s*(mode|\d+)|do\s+anything\s+now)\b'
    regex: true
    category: role-manipulation
    severity: high
  - id: ctx-delimiter-injection
    pattern: '(\[SYSTEM\]|\[INST\]|<<SYS>>|<\|im_start\|>|<\|endoftext\|>)'
    regex: true
    category: context-poisoning
    severity: high
  - id: ctx-fake-system-tag
    pattern: '</?\s*(system|instruction|prompt)\s*>'
    regex: true
    category: context-poisoning
    severity: medium
  - id: ctx-end-of-prompt
    pattern: 'end\s+of\s+(system|initial)\s+(prompt|message|instructions?)'
    regex: true
    category: context-poisoning
    severity: high
  - id: enc-decode-request
    pattern: '(base64|rot13|hex)\s*(decode|translate)\s+(and|then)\s+(follow|execute|run)'
    regex: true
    category: encoding
    severity: medium
  - id: exf-system-prompt
    pattern: '(reveal|show|print|repeat|output)\s+(your\s+)?(system\s+prompt|hidden\s+instructions?|initial\s+instructions?)'
    regex: true
    category: exfiltration
    severity: high
  - id: exf-secrets
    pattern: '(reveal|dump|send|upload|exfiltrate)\s+.{0,40}(secrets?|api\s+keys?|credentials?|passwords?|tokens?)'
    regex: true
    category: exfiltration
    severity: critical

# Declarative health checks (CEL). "policy" is this document as a map.
health_rules:
  - name: rate limit configured
    expr: 'policy.rate_limit.requests_per_minute > 0'
    failure_msg: "rate limiting is disabled"
`
}
