package sandbox

import "strings"

// ArtifactPlaceholder is replaced in a command with the runtime's path to the
// injected artifact.
const ArtifactPlaceholder = "{{artifact}}"

// Ref is a Handle rebuilt from a bare sandbox id, e.g. one read back from the ledger.
type Ref string

func (r Ref) ID() string { return string(r) }

func expandCommand(command []string, artifact string) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, ArtifactPlaceholder, artifact)
	}
	return out
}
