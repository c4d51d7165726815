package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/intelliwatt/efl-cli/internal/model"
)

// LoadTDSPFile reads a TDSP alias file. The YAML has a top-level "tdsps" key
// holding a list of {code, name, aliases}.
func LoadTDSPFile(path string) ([]model.TDSPEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read tdsp file %s", path)
	}

	var wrapper struct {
		TDSPs []model.TDSPEntry `yaml:"tdsps"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse tdsp file")
	}
	if len(wrapper.TDSPs) == 0 {
		return nil, eris.Errorf("config: tdsp file %s lists no utilities", path)
	}
	return wrapper.TDSPs, nil
}

// TDSPTable builds the known utility table. Entries come from efl.tdsp_file
// when set, otherwise the built-in list. A non-empty efl.known_tdsps narrows
// the table to the listed codes.
func (c *Config) TDSPTable() (*model.TDSPTable, error) {
	entries := model.DefaultTDSPEntries()
	if c.EFL.TDSPFile != "" {
		loaded, err := LoadTDSPFile(c.EFL.TDSPFile)
		if err != nil {
			return nil, err
		}
		entries = loaded
	}

	if len(c.EFL.KnownTDSPs) == 0 {
		return model.NewTDSPTable(entries), nil
	}

	allow := make(map[string]bool, len(c.EFL.KnownTDSPs))
	for _, code := range c.EFL.KnownTDSPs {
		allow[strings.ToUpper(strings.TrimSpace(code))] = true
	}
	var kept []model.TDSPEntry
	for _, e := range entries {
		if allow[strings.ToUpper(e.Code)] {
			kept = append(kept, e)
			delete(allow, strings.ToUpper(e.Code))
		}
	}
	// Codes with no alias entry are still known by their code.
	for code := range allow {
		kept = append(kept, model.TDSPEntry{Code: code, Name: code})
	}
	return model.NewTDSPTable(kept), nil
}
