package version

// Version is the current meshmeet release. Overridden at build time with
// -ldflags "-X github.com/meshmeet/meshmeet/internal/version.Version=...".
var Version = "0.3.1"
