package fingerprint

import (
	"bytes"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"artisync/internal/tree"
)

// Metadata is the descriptive part of an artifact that feeds the metadata hash.
type Metadata struct {
	Title       string
	Description string
	Tags        []string
}

// metadataFiles are checked in order; the first one carrying metadata wins.
var metadataFiles = []string{"SKILL.md", "AGENT.md", "COMMAND.md", "README.md", "artifact.yaml", "artifact.yml"}

type frontmatter struct {
	Name        string   `yaml:"name"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// ParseMetadata extracts metadata from the artifact's descriptor file.
// Markdown files contribute their YAML frontmatter, yaml files their whole
// body. Malformed YAML yields empty metadata.
func ParseMetadata(t *tree.Tree) Metadata {
	for _, name := range metadataFiles {
		f, ok := t.Get(name)
		if !ok || !f.Text() {
			continue
		}
		body := f.Content
		if strings.HasSuffix(name, ".md") {
			body, ok = extractFrontmatter(f.Content)
			if !ok {
				continue
			}
		}
		var fm frontmatter
		if err := yaml.Unmarshal(body, &fm); err != nil {
			continue
		}
		title := fm.Title
		if title == "" {
			title = fm.Name
		}
		return Normalize(Metadata{Title: title, Description: fm.Description, Tags: fm.Tags})
	}
	return Metadata{}
}

func extractFrontmatter(content []byte) ([]byte, bool) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, false
	}
	rest := content[len("---\n"):]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, false
	}
	return rest[:end+1], true
}

// Normalize trims and collapses whitespace, lowercases the title and tags,
// and deduplicates and sorts tags.
func Normalize(m Metadata) Metadata {
	out := Metadata{
		Title:       strings.ToLower(collapse(m.Title)),
		Description: collapse(m.Description),
	}
	seen := make(map[string]bool, len(m.Tags))
	for _, tag := range m.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out.Tags = append(out.Tags, tag)
	}
	sort.Strings(out.Tags)
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// jaccard returns |a∩b| / |a∪b| over tag sets. Two empty sets are identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	for _, t := range b {
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
