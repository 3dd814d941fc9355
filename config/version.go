package config

// Build information, set by the dev build command through linker flags.
var (
	AppVersion = "dev"
	GitCommit  = "unknown"
	GitBranch  string
	BuildTime  string
	Arch       string
)

// Version renders the build information for the command line.
func Version() string {
	v := AppVersion + "-" + GitCommit
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}
