// Package schemasassets embeds the JSON schemas so validation works in
// installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// JobManifestSchema is the job-manifest JSON schema.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
