package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miniclaw/miniclaw/pkg/storage"
)

// SkillsSnapshotFile is rebuilt from skills/*/SKILL.md manifests and
// injected into the system prompt.
const SkillsSnapshotFile = "SKILLS_SNAPSHOT.md"

// SkillEntry is one discovered skill manifest.
type SkillEntry struct {
	Name        string
	Description string
	Location    string
}

// parseFrontmatter reads the name/description keys from a ---
// delimited header. Returns false when the file has no frontmatter.
func parseFrontmatter(raw string) (name, description string, ok bool) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", false
	}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "---" {
			return name, description, true
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(strings.ToLower(key)) {
		case "name":
			name = value
		case "description":
			description = value
		}
	}
	return "", "", false
}

// ScanSkills walks skills/*/SKILL.md under the workspace root.
func ScanSkills(rootDir string) []SkillEntry {
	skillsDir := filepath.Join(rootDir, "skills")
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return nil
	}

	var skills []SkillEntry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest := filepath.Join(skillsDir, entry.Name(), "SKILL.md")
		raw, err := os.ReadFile(manifest)
		if err != nil {
			continue
		}
		name, description, ok := parseFrontmatter(string(raw))
		if !ok || name == "" {
			continue
		}
		skills = append(skills, SkillEntry{
			Name:        name,
			Description: description,
			Location:    "./skills/" + entry.Name() + "/SKILL.md",
		})
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// RenderSkillsSnapshot serializes skills in the prompt-facing format.
func RenderSkillsSnapshot(skills []SkillEntry) string {
	var b strings.Builder
	b.WriteString("<available_skills>")
	for _, skill := range skills {
		fmt.Fprintf(&b, "<skill><name>%s</name><description>%s</description><location>%s</location></skill>",
			skill.Name, skill.Description, skill.Location)
	}
	b.WriteString("</available_skills>\n")
	return b.String()
}

// WriteSkillsSnapshot rescans skills and rewrites the snapshot file.
func WriteSkillsSnapshot(rootDir string, locks *storage.LockRegistry) (int, error) {
	skills := ScanSkills(rootDir)
	snapshot := RenderSkillsSnapshot(skills)
	path := filepath.Join(rootDir, SkillsSnapshotFile)
	if err := storage.WriteFileAtomic(locks, path, []byte(snapshot)); err != nil {
		return 0, err
	}
	return len(skills), nil
}
