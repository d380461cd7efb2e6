// Package configs embeds the example configuration template so every
// distribution of the binary can materialize it, source builds and
// binary releases alike.
package configs

import _ "embed"

// ConfigTemplate is the commented example config written by
// `contextmcp config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string
