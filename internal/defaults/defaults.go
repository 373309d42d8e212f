// Package defaults provides embedded copies of the default
// configuration and advisor files for the counsel init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed advisor.example.md
var AdvisorMD []byte

//go:embed researcher.example.md
var ResearcherMD []byte
