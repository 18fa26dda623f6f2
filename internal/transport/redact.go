// ABOUTME: Masks authentication material in argument lists, URLs and log lines before logging.
// ABOUTME: Secret-bearing flags, env assignments, query parameters and bearer tokens become "***".

package transport

import (
	"net/url"
	"regexp"
	"strings"
)

const redacted = "***"

var secretName = regexp.MustCompile(`(?i)(token|secret|passw(or)?d|api[_-]?key|apikey|auth|credential|private[_-]?key|session)`)

var secretAssignment = regexp.MustCompile(`(?i)((?:token|secret|passw(?:or)?d|api[_-]?key|apikey|authorization|credential)[\w-]*["']?\s*[:=]\s*["']?)([^\s"'&,]+)`)

var bearerToken = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`)

// RedactArgs returns a copy of args with secret values masked. It handles
// "--token value", "--token=value" and env-style "KEY=value" arguments such as
// those following -e in container flag lists.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	next := maskNone
	for i, arg := range args {
		switch next {
		case maskValue:
			out[i] = redacted
			next = maskNone
			continue
		case maskAssignment:
			out[i] = redactAssignment(arg)
			next = maskNone
			continue
		}

		if !strings.HasPrefix(arg, "-") {
			out[i] = redactAssignment(arg)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch {
		case isEnvFlag(name) && hasValue:
			out[i] = arg[:len(arg)-len(value)] + redactAssignment(value)
		case isEnvFlag(name):
			out[i] = arg
			next = maskAssignment
		case secretName.MatchString(name) && hasValue:
			out[i] = arg[:len(arg)-len(value)] + redacted
		case secretName.MatchString(name):
			out[i] = arg
			next = maskValue
		default:
			out[i] = arg
		}
	}
	return out
}

type maskMode int

const (
	maskNone maskMode = iota
	maskValue
	maskAssignment
)

func isEnvFlag(name string) bool {
	return name == "e" || name == "env"
}

func redactAssignment(arg string) string {
	k, _, ok := strings.Cut(arg, "=")
	if ok && k != "" && secretName.MatchString(k) {
		return k + "=" + redacted
	}
	return arg
}

// RedactURL masks userinfo passwords and secret-looking query parameters.
// Unparseable input is returned with bare token patterns masked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return RedactLine(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		parts := strings.Split(u.RawQuery, "&")
		for i, part := range parts {
			key, _, ok := strings.Cut(part, "=")
			name, err := url.QueryUnescape(key)
			if err != nil {
				name = key
			}
			if ok && isSecretParam(name) {
				parts[i] = key + "=" + redacted
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}
	return u.String()
}

func isSecretParam(name string) bool {
	return secretName.MatchString(name) || strings.EqualFold(name, "sig") || strings.EqualFold(name, "key")
}

// RedactLine masks "token=..."-style assignments and bearer credentials in free text.
func RedactLine(line string) string {
	line = bearerToken.ReplaceAllString(line, "$1 "+redacted)
	return secretAssignment.ReplaceAllString(line, "${1}"+redacted)
}
