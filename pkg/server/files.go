package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miniclaw/miniclaw/pkg/storage"
	"github.com/miniclaw/miniclaw/pkg/tools"
)

// apiAllowedPrefixes limits the files API to the content directories.
var apiAllowedPrefixes = []string{"workspace/", "memory/", "skills/", "knowledge/"}

// apiAllowedRootFiles are the only root-level files the API serves.
var apiAllowedRootFiles = map[string]bool{tools.SkillsSnapshotFile: true}

func apiPathAllowed(rel string) bool {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if apiAllowedRootFiles[clean] {
		return true
	}
	for _, prefix := range apiAllowedPrefixes {
		if strings.HasPrefix(clean, prefix) {
			return true
		}
	}
	return false
}

// resolveAPIPath applies the allow-list and the traversal guard.
func resolveAPIPath(rootDir, rel string) (string, bool) {
	if !apiPathAllowed(rel) {
		return "", false
	}
	abs, err := tools.ResolveWorkspacePath(rootDir, rel)
	if err != nil {
		return "", false
	}
	return abs, true
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, CodeInvalidRequest, "path is required")
		return
	}
	abs, ok := resolveAPIPath(a.RootDir, rel)
	if !ok {
		writeError(w, CodeForbiddenPath, "path outside the allowed directories")
		return
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		writeError(w, CodeNotFound, "file not found: "+rel)
		return
	}
	writeData(w, map[string]interface{}{"path": rel, "content": string(raw)})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	a := s.agentByID(w, body.AgentID)
	if a == nil {
		return
	}
	if body.Path == "" {
		writeError(w, CodeInvalidRequest, "path is required")
		return
	}
	abs, ok := resolveAPIPath(a.RootDir, body.Path)
	if !ok {
		writeError(w, CodeForbiddenPath, "path outside the allowed directories")
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	if err := storage.WriteFileAtomic(a.Locks, abs, []byte(body.Content)); err != nil {
		writeError(w, CodeInternalError, err.Error())
		return
	}
	// Skill edits change what the snapshot advertises.
	if strings.HasPrefix(filepath.ToSlash(filepath.Clean(body.Path)), "skills/") {
		_, _ = tools.WriteSkillsSnapshot(a.RootDir, a.Locks)
	}
	writeData(w, map[string]interface{}{"path": body.Path, "bytes": len(body.Content)})
}

func (s *Server) handleFileIndex(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	var files []map[string]interface{}
	for _, prefix := range apiAllowedPrefixes {
		base := filepath.Join(a.RootDir, filepath.FromSlash(prefix))
		_ = filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(a.RootDir, path)
			if err != nil {
				return nil
			}
			files = append(files, map[string]interface{}{
				"path": filepath.ToSlash(rel),
				"size": info.Size(),
			})
			return nil
		})
	}
	for root := range apiAllowedRootFiles {
		if info, err := os.Stat(filepath.Join(a.RootDir, root)); err == nil {
			files = append(files, map[string]interface{}{"path": root, "size": info.Size()})
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i]["path"].(string) < files[j]["path"].(string)
	})
	writeData(w, map[string]interface{}{"files": files, "count": len(files)})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	a := s.agentFor(w, r)
	if a == nil {
		return
	}
	skills := tools.ScanSkills(a.RootDir)
	writeData(w, map[string]interface{}{"skills": skills, "count": len(skills)})
}
