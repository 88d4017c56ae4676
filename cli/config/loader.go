package config

import (
	"fmt"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	ini "gopkg.in/ini.v1"
)

const sourceSectionPrefix = "source"

var validate = validator.New()

// Load reads an INI file at path, decodes its [global] section and every
// [source "name"] section, applies struct-tag defaults, and validates the
// result.
func Load(path string) (*File, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load ini %q: %w", path, err)
	}
	return decode(cfg)
}

func decode(cfg *ini.File) (*File, error) {
	file := &File{}

	if err := defaults.Set(&file.Global); err != nil {
		return nil, fmt.Errorf("apply global defaults: %w", err)
	}

	if globalSection, err := cfg.GetSection("global"); err == nil {
		if err := mapstructure.WeakDecode(sectionToMap(globalSection), &file.Global); err != nil {
			return nil, fmt.Errorf("decode [global]: %w", err)
		}
	}

	if err := validate.Struct(&file.Global); err != nil {
		return nil, fmt.Errorf("validate [global]: %w", friendlyValidationError(err))
	}

	for _, section := range cfg.Sections() {
		name := strings.TrimSpace(section.Name())
		if !strings.HasPrefix(name, sourceSectionPrefix) || name == ini.DefaultSection {
			continue
		}

		sourceName := parseSourceName(name)
		if sourceName == "" {
			continue
		}

		rec := SourceRecord{Name: sourceName}
		if err := defaults.Set(&rec); err != nil {
			return nil, fmt.Errorf("apply defaults for source %q: %w", sourceName, err)
		}
		if err := mapstructure.WeakDecode(sectionToMap(section), &rec); err != nil {
			return nil, fmt.Errorf("decode source %q: %w", sourceName, err)
		}
		rec.Name = sourceName

		if err := validate.Struct(&rec); err != nil {
			return nil, fmt.Errorf("validate source %q: %w", sourceName, friendlyValidationError(err))
		}

		file.Sources = append(file.Sources, rec)
	}

	return file, nil
}

// parseSourceName extracts "name" from a `[source "name"]` section header.
func parseSourceName(section string) string {
	s := strings.TrimPrefix(section, sourceSectionPrefix)
	s = strings.TrimSpace(s)
	return strings.Trim(s, `"`)
}

func sectionToMap(section *ini.Section) map[string]interface{} {
	m := make(map[string]interface{})
	for _, key := range section.Keys() {
		m[key.Name()] = key.Value()
	}
	return m
}

// friendlyValidationError turns validator's field errors into a single
// human-readable line instead of the library's Go-syntax struct dump.
func friendlyValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var parts []string
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q check", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
