// File: internal/drivers/inf.go
package drivers

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/bootmend/internal/platform"
)

// Model is one device entry of a manifest's models section.
type Model struct {
	Description   string
	Install       string
	HardwareID    string
	CompatibleIDs []string
}

// Manifest is the parsed form of a driver package's INF file.
type Manifest struct {
	Path        string
	Provider    string
	Class       string
	Version     string
	CatalogFile string
	Models      []Model
	// services maps a lowercased install section to its boot service.
	services map[string]string
}

// Service returns the service the install section registers, if any.
func (m *Manifest) Service(install string) string {
	if s, ok := m.services[strings.ToLower(install)]; ok {
		return s
	}
	// Single-service packages often share one Services section.
	if len(m.services) == 1 {
		for _, s := range m.services {
			return s
		}
	}
	return ""
}

type infSection struct {
	name  string
	lines []string
}

type infFile struct {
	sections map[string]*infSection
	strings  map[string]string
}

var stringToken = regexp.MustCompile(`%([^%]+)%`)

// ParseManifest reads and parses an INF file. INF files come in UTF-16LE and
// in the ANSI code page; the decoder sniffs which.
func ParseManifest(path, arch string, decoder *platform.Decoder) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	text, err := decoder.Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	m, err := ParseManifestText(text, arch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseManifestText parses INF content, keeping only models for the given
// architecture and undecorated models sections.
func ParseManifestText(text, arch string) (*Manifest, error) {
	inf := splitSections(text)
	version, ok := inf.sections["version"]
	if !ok {
		return nil, fmt.Errorf("manifest has no [Version] section")
	}

	m := &Manifest{services: make(map[string]string)}
	for _, line := range version.lines {
		key, value, found := cutKey(line)
		if !found {
			continue
		}
		value = inf.expand(value)
		switch strings.ToLower(key) {
		case "provider":
			m.Provider = value
		case "class":
			m.Class = value
		case "driverver":
			if _, v, ok := strings.Cut(value, ","); ok {
				m.Version = strings.TrimSpace(v)
			} else {
				m.Version = value
			}
		case "catalogfile", "catalogfile.nt", "catalogfile.ntamd64":
			if m.CatalogFile == "" {
				m.CatalogFile = value
			}
		}
	}

	for _, sectionName := range inf.modelSections(arch) {
		sec := inf.sections[strings.ToLower(sectionName)]
		if sec == nil {
			continue
		}
		for _, line := range sec.lines {
			model, ok := parseModel(inf, line)
			if ok {
				m.Models = append(m.Models, model)
			}
		}
	}

	for _, sec := range inf.sections {
		if !strings.HasSuffix(sec.name, ".services") {
			continue
		}
		install := strings.TrimSuffix(sec.name, ".services")
		if svc := bootService(inf, sec); svc != "" {
			m.services[install] = svc
			// Decorated install sections (foo.NTamd64.Services) also serve "foo".
			if base, _, ok := strings.Cut(install, ".nt"); ok {
				if _, exists := m.services[base]; !exists {
					m.services[base] = svc
				}
			}
		}
	}

	if len(m.Models) == 0 {
		return nil, fmt.Errorf("manifest declares no models for %s", arch)
	}
	return m, nil
}

func splitSections(text string) *infFile {
	inf := &infFile{sections: make(map[string]*infSection), strings: make(map[string]string)}
	var cur *infSection
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			cur = inf.sections[name]
			if cur == nil {
				cur = &infSection{name: name}
				inf.sections[name] = cur
			}
			continue
		}
		if cur == nil {
			continue
		}
		// A trailing backslash continues the line.
		if n := len(cur.lines); n > 0 && strings.HasSuffix(cur.lines[n-1], `\`) {
			cur.lines[n-1] = strings.TrimSuffix(cur.lines[n-1], `\`) + line
			continue
		}
		cur.lines = append(cur.lines, line)
	}
	if sec, ok := inf.sections["strings"]; ok {
		for _, line := range sec.lines {
			if key, value, found := cutKey(line); found {
				inf.strings[strings.ToLower(key)] = unquote(value)
			}
		}
	}
	return inf
}

// stripComment removes a ';' comment that is not inside double quotes.
func stripComment(line string) string {
	inQuote := false
	for i, r := range line {
		switch r {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

func cutKey(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func (inf *infFile) expand(s string) string {
	return unquote(stringToken.ReplaceAllStringFunc(s, func(tok string) string {
		if v, ok := inf.strings[strings.ToLower(strings.Trim(tok, "%"))]; ok {
			return v
		}
		return tok
	}))
}

// modelSections resolves [Manufacturer] entries to the models sections that
// apply to arch, e.g. "%Intel% = Intel, NTamd64.10.0, NTx86" yields only
// "Intel.NTamd64.10.0". An entry without decorations names its section directly.
func (inf *infFile) modelSections(arch string) []string {
	manu, ok := inf.sections["manufacturer"]
	if !ok {
		return nil
	}
	wantPrefix := "nt" + strings.ToLower(arch)
	var out []string
	for _, line := range manu.lines {
		value := line
		if _, v, found := cutKey(line); found {
			value = v
		}
		parts := splitList(value)
		if len(parts) == 0 {
			continue
		}
		base := parts[0]
		decorations := parts[1:]
		if len(decorations) == 0 {
			out = append(out, base)
			continue
		}
		for _, d := range decorations {
			dl := strings.ToLower(d)
			if dl == "nt" || strings.HasPrefix(dl, wantPrefix) {
				out = append(out, base+"."+d)
			}
		}
	}
	return out
}

func parseModel(inf *infFile, line string) (Model, bool) {
	desc, value, found := cutKey(line)
	if !found {
		return Model{}, false
	}
	parts := splitList(value)
	if len(parts) < 2 {
		return Model{}, false
	}
	m := Model{
		Description: inf.expand(desc),
		Install:     parts[0],
		HardwareID:  strings.ToUpper(parts[1]),
	}
	for _, c := range parts[2:] {
		m.CompatibleIDs = append(m.CompatibleIDs, strings.ToUpper(c))
	}
	return m, m.HardwareID != ""
}

// bootService picks the AddService entry that carries SPSVCINST_ASSOCSERVICE
// (0x2), or the first entry when none does.
func bootService(inf *infFile, sec *infSection) string {
	first := ""
	for _, line := range sec.lines {
		key, value, found := cutKey(line)
		if !found || !strings.EqualFold(key, "AddService") {
			continue
		}
		parts := splitList(value)
		if len(parts) == 0 {
			continue
		}
		name := inf.expand(parts[0])
		if first == "" {
			first = name
		}
		if len(parts) > 1 {
			if flags, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32); err == nil && flags&0x2 != 0 {
				return name
			}
		}
	}
	return first
}

func splitList(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CatalogPresent reports whether the manifest's security catalog ships next
// to it.
func (m *Manifest) CatalogPresent() bool {
	if m.CatalogFile == "" || m.Path == "" {
		return false
	}
	dir := filepath.Dir(m.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), m.CatalogFile) {
			return true
		}
	}
	return false
}
