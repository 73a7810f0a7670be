package state

import "strings"

const redactedValue = "[REDACTED]"

// Env keys are split on separators; a key is secret when any part names a
// credential (DB_PASSWORD, api-token, aws.secret.key) or ends with one
// (APIKEY, GITHUBTOKEN).
var secretWords = []string{
	"PASSWORD", "PASSWD", "PASSPHRASE", "SECRET", "TOKEN",
	"KEY", "CREDENTIAL", "CREDENTIALS", "AUTH", "PRIVATE", "CERT",
}

// SanitizeEnv returns a copy of env with secret values replaced, for
// writing into state.json.
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if isSecretKey(k) {
			v = redactedValue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(key string) bool {
	parts := strings.FieldsFunc(strings.ToUpper(key), func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	for _, part := range parts {
		for _, w := range secretWords {
			if part == w || (len(part) > len(w)+2 && strings.HasSuffix(part, w)) {
				return true
			}
		}
	}
	return false
}
