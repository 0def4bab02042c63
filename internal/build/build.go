// Package build holds the build-time metadata of the binaries.
package build

// NodeBinaryName is the name of the daemon binary.
const NodeBinaryName = "kod"

// NodeVersion is the version of the daemon binary.
const NodeVersion = "1.0.0"

// GitRevision is set via the Makefile at build time.
var GitRevision string
