package policy

// policySchema is the JSON Schema the YAML policy document must satisfy
// before strict decoding. It guards shapes and closed enums; semantic rules
// (ordering, cross-field requirements) live in validate.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "routing": {
      "type": "object",
      "properties": {
        "default_models": {
          "type": "object",
          "properties": {
            "builder": {"type": "string"},
            "auditor": {"type": "string"}
          },
          "additionalProperties": false
        },
        "categories": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "strategy": {"enum": ["best_first", "progressive", "cheap_first"]},
              "builder_primary": {"type": "string"},
              "auditor_primary": {"type": "string"},
              "secondary_auditor": {"type": "string"},
              "dual_audit": {"type": "boolean"},
              "on_quota_exhausted": {"enum": ["block", "downgrade"]},
              "escalate_to": {
                "type": "object",
                "properties": {
                  "builder": {"type": "string"},
                  "auditor": {"type": "string"},
                  "after_attempts": {"type": "integer", "minimum": 1}
                },
                "additionalProperties": false
              }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "quota_enforcement": {
      "type": "object",
      "properties": {"enabled": {"type": "boolean"}},
      "additionalProperties": false
    },
    "budgets": {
      "type": "object",
      "properties": {
        "low": {"type": "array", "items": {"type": "integer", "minimum": 1}},
        "medium": {"type": "array", "items": {"type": "integer", "minimum": 1}},
        "high": {"type": "array", "items": {"type": "integer", "minimum": 1}}
      },
      "additionalProperties": false
    },
    "risk": {
      "type": "object",
      "properties": {
        "single_file_deletion_limit": {"type": "integer", "minimum": 1},
        "total_deletion_limit": {"type": "integer", "minimum": 1},
        "cross_module_threshold": {"type": "integer", "minimum": 2},
        "auto_approve_max_lines": {"type": "integer", "minimum": 1},
        "auto_approve_paths": {"type": "array", "items": {"type": "string"}},
        "never_auto_approve_paths": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "protection": {
      "type": "object",
      "properties": {
        "protected_paths": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        },
        "retention": {
          "type": "object",
          "properties": {
            "short_term_days": {"type": "integer", "minimum": 1},
            "medium_term_days": {"type": "integer", "minimum": 1},
            "long_term_days": {"type": "integer", "minimum": 1}
          },
          "additionalProperties": false
        },
        "category_policies": {
          "type": "object",
          "additionalProperties": {"enum": ["short_term", "medium_term", "long_term", "permanent"]}
        },
        "overrides": {
          "type": "object",
          "properties": {
            "tidy": {
              "type": "object",
              "properties": {"skip_protected": {"type": "boolean"}},
              "additionalProperties": false
            },
            "storage_optimizer": {
              "type": "object",
              "properties": {"scan_only": {"type": "boolean"}},
              "additionalProperties": false
            }
          },
          "additionalProperties": false
        },
        "database_retention": {
          "type": "object",
          "properties": {"enabled": {"type": "boolean"}},
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`
