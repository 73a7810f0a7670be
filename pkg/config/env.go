package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/magiconair/properties"
	"github.com/pkg/errors"
)

// MergeEnvFiles reads env files in order (later files win) and applies
// inline on top. Files ending in .properties are read as Java properties
// with values taken literally; everything else is dotenv.
func MergeEnvFiles(root string, files []string, inline map[string]string) (map[string]string, error) {
	if len(files) == 0 && len(inline) == 0 {
		return nil, nil
	}
	out := map[string]string{}
	for _, f := range files {
		vars, err := readEnvFile(resolve(root, f))
		if err != nil {
			return nil, errors.Wrapf(err, "read env file %s", f)
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	for k, v := range inline {
		out[k] = v
	}
	return out, nil
}

func readEnvFile(path string) (map[string]string, error) {
	if !strings.HasSuffix(path, ".properties") {
		return godotenv.Read(path)
	}
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return p.Map(), nil
}
