package config

import _ "embed"

//go:embed schema/backends.schema.json
var backendsSchemaJSON []byte
