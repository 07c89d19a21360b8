package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment references in the settings document using
// Go template syntax ({{.VAR_NAME}}). Plain $ is left alone on purpose:
// system prompts and permission globs routinely contain shell text like
// $PATH or `find . -name '*$*'`, which naive ${VAR} substitution would
// mangle.
//
// Missing variables expand to the empty string. If the document is not a
// valid template it is returned unchanged so template-free YAML always
// passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("settings").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
