package runner

import (
	"os"
	"sort"
	"strings"
)

// Environment variables exported to every job and backend command.
const (
	EnvCounter    = "QUEUEWATCH_COUNTER"
	EnvConfigFile = "QUEUEWATCH_CONFIGFILE"
	EnvTest       = "QUEUEWATCH_TEST"
)

// BuildEnv constructs the environment for a command. It starts with the
// current process environment and overlays each map in order, so later maps
// win. The result is sorted for stable test output.
func BuildEnv(overlays ...map[string]string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.IndexByte(e, '='); i > 0 {
			envMap[e[:i]] = e[i+1:]
		}
	}

	for _, overlay := range overlays {
		for k, v := range overlay {
			envMap[k] = v
		}
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
