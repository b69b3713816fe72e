// Package config provides a kong configuration loader for YAML files, so any
// flag can also be set from a config file.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader. Keys are flag names, with dashes or
// underscores, and nested maps are joined with dots:
//
//	listen: 127.0.0.1:3000
//	tls_cert: ./ssl/end.cert
//	handshake-timeout: 5s
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode YAML config: %w", err)
	}

	flat := map[string]any{}
	flatten("", values, flat)

	var f kong.ResolverFunc = func(context *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if v, ok := flat[flag.Name]; ok {
			return v, nil
		}
		if v, ok := flat[strings.ReplaceAll(flag.Name, "-", "_")]; ok {
			return v, nil
		}
		return nil, nil
	}

	return f, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}

		out[key] = v
	}
}
