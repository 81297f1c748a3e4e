package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "version", "author", "capabilities"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "minLength": 1,
      "description": "Semver version"
    },
    "author": {
      "type": "string",
      "description": "Plugin author"
    },
    "description": {
      "type": "string"
    },
    "backendEntry": {
      "type": "string",
      "description": "Executable path relative to the plugin directory, or builtin:<name>"
    },
    "backendProtocol": {
      "type": "string",
      "enum": ["builtin", "exec", "rpc"]
    },
    "hostVersion": {
      "type": "string",
      "description": "Semver constraint on the host version"
    },
    "capabilities": {
      "type": "object",
      "required": ["hasGlobalSettings"],
      "properties": {
        "hasGlobalSettings": { "type": "boolean" },
        "hasActions": { "type": "boolean" },
        "hasConnectionTest": { "type": "boolean" }
      }
    },
    "globalConfigFileName": {
      "type": "string",
      "minLength": 1
    },
    "configSchema": {
      "type": "object",
      "description": "JSON Schema for the global configuration"
    },
    "actionSchema": {
      "type": "object",
      "description": "JSON Schema for per-gesture action settings"
    }
  }
}`
