package version

// Version is the current buildsentry release. Overridden at build time via
// -ldflags "-X buildsentry/version.Version=...".
var Version = "0.3.1"
