package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// UserAgent is sent by huntctl on every request.
func UserAgent() string {
	return "huntctl/" + Build
}
