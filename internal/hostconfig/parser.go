// Package hostconfig reads the operator's host catalog: a file in OpenSSH
// client config syntax whose Host aliases users may type instead of a raw
// hostname in the connect flow.
package hostconfig

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/treykane/ssh-bot/internal/util"
)

// Entry is one concrete alias with its resolved directives. Port is zero
// when no block set it, so the caller's default applies.
type Entry struct {
	Alias    string `json:"alias"`
	HostName string `json:"host_name"`
	User     string `json:"user,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type Catalog struct {
	Hosts    []Entry
	Warnings []string
}

// Lookup finds a concrete alias. Matching is exact, like ssh(1).
func (c Catalog) Lookup(alias string) (Entry, bool) {
	for _, h := range c.Hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return Entry{}, false
}

type rawBlock struct {
	patterns []string
	values   map[string][]string
}

// ParseFile parses a catalog file and expands Include directives. An empty
// path yields an empty catalog.
func ParseFile(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, nil
	}
	blocks, warnings, err := parseRecursive(path, map[string]bool{}, 0)
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Hosts: compileHosts(blocks), Warnings: warnings}, nil
}

func parseRecursive(path string, seen map[string]bool, depth int) ([]rawBlock, []string, error) {
	if depth > util.MaxIncludeDepth {
		return nil, nil, fmt.Errorf("include depth exceeded at %s", path)
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, nil, err
	}
	if seen[abs] {
		return nil, []string{fmt.Sprintf("include cycle skipped: %s", abs)}, nil
	}
	seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, []string{fmt.Sprintf("host catalog not found: %s", abs)}, nil
		}
		return nil, nil, fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	var (
		blocks   []rawBlock
		warnings []string
		current  = rawBlock{patterns: []string{"*"}, values: map[string][]string{}}
		started  bool
	)
	flush := func() {
		if started || len(current.values) > 0 {
			blocks = append(blocks, current)
		}
	}

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripInlineComment(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s:%d invalid directive", abs, lineNo))
			continue
		}
		switch strings.ToLower(key) {
		case "include":
			for _, pattern := range strings.Fields(value) {
				inc := expandHome(pattern)
				if !filepath.IsAbs(inc) {
					inc = filepath.Join(filepath.Dir(abs), inc)
				}
				matches, globErr := filepath.Glob(inc)
				if globErr != nil {
					warnings = append(warnings, fmt.Sprintf("%s:%d bad include pattern %q", abs, lineNo, pattern))
					continue
				}
				if len(matches) == 0 {
					warnings = append(warnings, fmt.Sprintf("%s:%d include matched nothing: %q", abs, lineNo, pattern))
				}
				sort.Strings(matches)
				for _, m := range matches {
					child, childWarnings, childErr := parseRecursive(m, seen, depth+1)
					warnings = append(warnings, childWarnings...)
					if childErr != nil {
						warnings = append(warnings, fmt.Sprintf("include %s failed: %v", m, childErr))
						continue
					}
					blocks = append(blocks, child...)
				}
			}
		case "host":
			flush()
			patterns := strings.Fields(value)
			current = rawBlock{patterns: patterns, values: map[string][]string{}}
			started = true
		case "hostname", "user", "port":
			k := strings.ToLower(key)
			current.values[k] = append(current.values[k], value)
		default:
			// Other OpenSSH directives are valid in the file but have no
			// meaning for the gateway.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("scan %s: %w", abs, err)
	}
	flush()
	return blocks, warnings, nil
}

// compileHosts resolves every concrete alias. As in ssh(1), the first
// value obtained for a directive wins.
func compileHosts(blocks []rawBlock) []Entry {
	aliasSet := map[string]struct{}{}
	for _, b := range blocks {
		for _, p := range b.patterns {
			if isConcreteAlias(p) {
				aliasSet[p] = struct{}{}
			}
		}
	}
	aliases := make([]string, 0, len(aliasSet))
	for a := range aliasSet {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	hosts := make([]Entry, 0, len(aliases))
	for _, alias := range aliases {
		h := Entry{Alias: alias}
		for _, b := range blocks {
			if !matchesAny(alias, b.patterns) {
				continue
			}
			if v := b.values["hostname"]; len(v) > 0 && h.HostName == "" {
				h.HostName = v[0]
			}
			if v := b.values["user"]; len(v) > 0 && h.User == "" {
				h.User = v[0]
			}
			if v := b.values["port"]; len(v) > 0 && h.Port == 0 {
				if p, err := strconv.Atoi(v[0]); err == nil && util.ValidatePort(p) == nil {
					h.Port = p
				}
			}
		}
		if h.HostName == "" {
			h.HostName = alias
		}
		hosts = append(hosts, h)
	}
	return hosts
}

func matchesAny(alias string, patterns []string) bool {
	matched := false
	for _, p := range patterns {
		negated := strings.HasPrefix(p, "!")
		ok, err := filepath.Match(strings.TrimPrefix(p, "!"), alias)
		if err != nil || !ok {
			continue
		}
		if negated {
			return false
		}
		matched = true
	}
	return matched
}

func isConcreteAlias(pattern string) bool {
	return pattern != "" && !strings.HasPrefix(pattern, "!") && !strings.ContainsAny(pattern, "*?")
}

func splitDirective(line string) (key, value string, ok bool) {
	if i := strings.IndexAny(line, " \t="); i > 0 {
		key = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(strings.TrimLeft(line[i:], " \t="))
		return key, value, key != "" && value != ""
	}
	return "", "", false
}

func stripInlineComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
