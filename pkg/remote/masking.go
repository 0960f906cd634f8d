package remote

import "regexp"

var pemBlockPattern = regexp.MustCompile(`(?s)(-----BEGIN [^-]+-----).*?(-----END [^-]+-----)`)

// Mask redacts the body of any PEM block in a command string so private keys
// never reach the journal or the logs
func Mask(command string) string {
	return pemBlockPattern.ReplaceAllString(command, "$1 [redacted] $2")
}
