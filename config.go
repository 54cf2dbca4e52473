package capnweb

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itaylor/react-capnweb/errors"
)

// fileOptions is the YAML shape of an options file. Only plain-data fields
// can come from a file; factories, callbacks and the backoff strategy are
// wired in code.
type fileOptions struct {
	Timeout string `yaml:"timeout"`
	Retries *uint  `yaml:"retries"`
}

// LoadOptions reads yaml-encoded options from path, layered over
// DefaultOptions. Durations use Go syntax ("5s", "1500ms").
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.ErrConfigError("read options file '"+path+"'", err)
	}

	var raw fileOptions
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return opts, errors.ErrConfigError("parse options file '"+path+"'", err)
	}

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return opts, errors.ErrConfigError("invalid timeout '"+raw.Timeout+"'", err)
		}

		opts.Timeout = d
	}

	if raw.Retries != nil {
		opts.Retries = *raw.Retries
	}

	return opts, nil
}
