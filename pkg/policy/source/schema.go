package source

// documentSchema is the JSON schema every decoded policy document must
// satisfy before it is converted into typed structs.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "duration": {"type": ["string", "integer"]},
    "stringList": {"type": "array", "items": {"type": "string"}},
    "selector": {
      "type": "object",
      "properties": {
        "principals": {"$ref": "#/definitions/stringList"},
        "namespaces": {"$ref": "#/definitions/stringList"},
        "matchLabels": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["effect", "secret"],
      "properties": {
        "effect": {"enum": ["allow", "deny"]},
        "backend": {"type": "string"},
        "secret": {"type": "string", "minLength": 1},
        "keys": {"$ref": "#/definitions/stringList"}
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["rate_limit", "time_window", "anomaly", "rego", "namespace_match"]},
        "rateLimit": {
          "type": "object",
          "required": ["count", "period"],
          "properties": {
            "count": {"type": "integer", "minimum": 1},
            "period": {"$ref": "#/definitions/duration"},
            "scope": {"enum": ["principal", "secret"]}
          },
          "additionalProperties": false
        },
        "timeWindow": {
          "type": "object",
          "required": ["start", "end"],
          "properties": {
            "start": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
            "end": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
            "days": {"$ref": "#/definitions/stringList"},
            "timezone": {"type": "string"}
          },
          "additionalProperties": false
        },
        "anomaly": {
          "type": "object",
          "required": ["maxScore", "action"],
          "properties": {
            "maxScore": {"type": "integer", "minimum": 0, "maximum": 100},
            "action": {"enum": ["deny", "require_approval", "audit"]},
            "approvers": {"$ref": "#/definitions/stringList"},
            "timeout": {"$ref": "#/definitions/duration"}
          },
          "additionalProperties": false
        },
        "rego": {
          "type": "object",
          "required": ["module", "query"],
          "properties": {
            "module": {"type": "string", "minLength": 1},
            "query": {"type": "string", "minLength": 1}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "policy": {
      "type": "object",
      "required": ["id", "rules"],
      "properties": {
        "kind": {"const": "Policy"},
        "id": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "priority": {"type": "integer"},
        "selector": {"$ref": "#/definitions/selector"},
        "rules": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/rule"}},
        "conditions": {"type": "array", "items": {"$ref": "#/definitions/condition"}}
      },
      "additionalProperties": false
    },
    "secretRef": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "backend": {"type": "string"},
        "name": {"type": "string", "minLength": 1},
        "keys": {"$ref": "#/definitions/stringList"}
      },
      "additionalProperties": false
    },
    "group": {
      "type": "object",
      "required": ["id", "members", "secrets"],
      "properties": {
        "kind": {"const": "SecretAccessGroup"},
        "id": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "members": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/selector"}},
        "secrets": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/secretRef"}},
        "approvalRequired": {"type": "boolean"},
        "approvers": {"$ref": "#/definitions/stringList"},
        "timeout": {"$ref": "#/definitions/duration"},
        "quota": {
          "type": "object",
          "required": ["count", "period"],
          "properties": {
            "count": {"type": "integer", "minimum": 1},
            "period": {"$ref": "#/definitions/duration"}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "bundle": {
      "type": "object",
      "minProperties": 1,
      "properties": {
        "policies": {"type": "array", "items": {"$ref": "#/definitions/policy"}},
        "groups": {"type": "array", "items": {"$ref": "#/definitions/group"}}
      },
      "additionalProperties": false
    }
  },
  "anyOf": [
    {"allOf": [{"$ref": "#/definitions/policy"}, {"required": ["kind"]}]},
    {"allOf": [{"$ref": "#/definitions/group"}, {"required": ["kind"]}]},
    {"$ref": "#/definitions/bundle"}
  ]
}`
