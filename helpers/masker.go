package helpers

import "strings"

// MaskSensitive redacts the arguments of credential-carrying commands so a
// command line can be logged. The verb and, for APOP, the user name are kept.
func MaskSensitive(line string, sensitiveCommands ...string) string {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return line
	}

	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(parts[0], cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	keep := 1
	if strings.EqualFold(parts[0], "APOP") {
		// APOP <name> <digest>
		keep = 2
	}
	if len(parts) <= keep {
		return line
	}
	return strings.Join(parts[:keep], " ") + " [REDACTED]"
}
