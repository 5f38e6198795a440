package adb

import (
	"regexp"
	"strings"
)

// MountPoint is one line of /proc/mounts.
type MountPoint struct {
	Block      string `json:"block"`
	Name       string `json:"name"`
	FileSystem string `json:"fileSystem"`
	ReadOnly   bool   `json:"readOnly"`
}

var (
	getPropRe = regexp.MustCompile(`^\[([^]]+)\]\:\s*\[(.*)\]$`)
	envRe     = regexp.MustCompile(`^([^=\s]+)\s*=\s*(.*)$`)
	inetRe    = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)/`)
)

// parseGetProp reads "[name]: [value]" lines into props.
func parseGetProp(lines []string, props map[string]string) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "$") {
			continue
		}
		if m := getPropRe.FindStringSubmatch(line); m != nil {
			props[m[1]] = m[2]
		}
	}
}

// parseEnv reads NAME=value lines into env.
func parseEnv(lines []string, env map[string]string) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := envRe.FindStringSubmatch(line); m != nil {
			env[m[1]] = m[2]
		}
	}
}

// parseMounts reads "<block> <mount point> <fs> <options> ..." lines, keyed by mount point.
func parseMounts(lines []string, mounts map[string]MountPoint) {
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		readOnly := false
		for _, opt := range strings.Split(fields[3], ",") {
			if opt == "ro" {
				readOnly = true
				break
			}
		}
		mounts[fields[1]] = MountPoint{
			Block:      fields[0],
			Name:       fields[1],
			FileSystem: fields[2],
			ReadOnly:   readOnly,
		}
	}
}

// parseInetAddress returns the first IPv4 address in "ip addr" output.
func parseInetAddress(lines []string) string {
	for _, line := range lines {
		if m := inetRe.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}
