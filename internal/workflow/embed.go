package workflow

import "embed"

// builtinFS carries the templates compiled into the binary. User templates
// from the configured directory override builtins with the same id.
//
//go:embed templates/*.yaml
var builtinFS embed.FS
