// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// OptionsFileSuffix is appended to the target binary name.
const OptionsFileSuffix = ".options"

// Section names recognized in .options files.
const (
	LibFuzzerSection = "libfuzzer"
	ASANSection      = "asan"
	MSANSection      = "msan"
	UBSANSection     = "ubsan"
	EnvSection       = "env"
)

// OptionsFile is the parsed fuzzer-supplied .options file that rides
// along with a target binary. All methods tolerate a nil receiver, so a
// missing file needs no special casing.
type OptionsFile struct {
	sections map[string]map[string]string
	dir      string
}

// LoadOptions reads the .options file next to a target binary.
// Returns (nil, nil) when there is none.
func LoadOptions(targetPath string) (*OptionsFile, error) {
	path := targetPath + OptionsFileSuffix
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseOptions(string(data), filepath.Dir(targetPath)), nil
}

// ParseOptions parses the ini-style options format. Unparsable lines are
// skipped: these files are fuzzer-supplied and often sloppy.
func ParseOptions(data, dir string) *OptionsFile {
	opts := &OptionsFile{
		sections: map[string]map[string]string{},
		dir:      dir,
	}
	section := ""
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || section == "" {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		if opts.sections[section] == nil {
			opts.sections[section] = map[string]string{}
		}
		opts.sections[section][key] = value
	}
	return opts
}

// Section returns one section's key/value pairs, or nil.
func (o *OptionsFile) Section(name string) map[string]string {
	if o == nil {
		return nil
	}
	return o.sections[name]
}

func (o *OptionsFile) Get(section, key string) (string, bool) {
	value, ok := o.Section(section)[key]
	return value, ok
}

func (o *OptionsFile) GetInt(section, key string) (int, bool) {
	value, ok := o.Get(section, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Dict resolves the [libfuzzer] dict entry against the target directory.
func (o *OptionsFile) Dict() string {
	dict, ok := o.Get(LibFuzzerSection, "dict")
	if !ok || dict == "" {
		return ""
	}
	if filepath.IsAbs(dict) {
		return dict
	}
	return filepath.Join(o.dir, dict)
}

// LibFuzzerArguments renders the [libfuzzer] section as command line
// flags, sorted for determinism. The dict path is made absolute.
func (o *OptionsFile) LibFuzzerArguments() []string {
	section := o.Section(LibFuzzerSection)
	keys := make([]string, 0, len(section))
	for key := range section {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var args []string
	for _, key := range keys {
		value := section[key]
		if key == "dict" {
			value = o.Dict()
		}
		args = append(args, fmt.Sprintf("-%s=%s", key, value))
	}
	return args
}

// SanitizerOverrides returns the sanitizer option overrides for one of
// the asan/msan/ubsan sections.
func (o *OptionsFile) SanitizerOverrides(sanitizer string) map[string]string {
	return o.Section(strings.ToLower(sanitizer))
}

// EnvOverrides returns the [env] section applied over the task
// environment for the run.
func (o *OptionsFile) EnvOverrides() map[string]string {
	return o.Section(EnvSection)
}
