package preview

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Kind is the result of artifact detection.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatic
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Classification describes how an artifact directory can be previewed.
type Classification struct {
	Kind Kind `json:"-"`
	// Entry is the HTML entry, relative to the artifact root (static only).
	Entry string `json:"entry,omitempty"`
	// Command is a suggested start command (dynamic only). It is a hint for
	// script generation, not something run as-is.
	Command string `json:"command,omitempty"`
	// Marker names the file that decided the classification.
	Marker string `json:"marker,omitempty"`
}

// MarshalJSON renders Kind by name.
func (c Classification) MarshalJSON() ([]byte, error) {
	type alias Classification
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{c.Kind.String(), alias(c)})
}

// skipDirs are never searched for entry points.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".logs":        true,
	".home":        true,
	".team-state":  true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// staticRoots are searched in order for an HTML entry.
var staticRoots = []string{"", "public", "dist", "build", "site", "www"}

// serverMarkers in an HTML file mean it needs a server or a build step to render.
var serverMarkers = regexp.MustCompile(`(?i)(<\?php|\{\{\s*[a-z_]|\{%\s*|<%[=-]?|/@vite/client|src=["']/src/main\.(t|j)sx?["'])`)

// interpreterEntries map entry files to a suggested start command.
var interpreterEntries = []struct {
	file    string
	command string
}{
	{"manage.py", "python3 manage.py runserver 127.0.0.1:$PORT"},
	{"app.py", "python3 app.py"},
	{"main.py", "python3 main.py"},
	{"server.py", "python3 server.py"},
	{"server.js", "node server.js"},
	{"app.js", "node app.js"},
	{"index.js", "node index.js"},
	{"main.go", "go run ."},
	{"config.ru", "bundle exec rackup -p $PORT"},
	{"index.php", "php -S 127.0.0.1:$PORT"},
}

// Classify inspects dir and reports whether its artifact is a static site,
// something that needs a server process, or neither. It only reads the
// filesystem.
func Classify(dir string) Classification {
	for _, sub := range []string{"", "app", "server", "backend"} {
		if c, ok := classifyDynamic(filepath.Join(dir, sub)); ok {
			if sub != "" {
				c.Marker = filepath.ToSlash(filepath.Join(sub, c.Marker))
				if c.Command != "" {
					c.Command = "cd " + sub + " && " + c.Command
				}
			}
			return c
		}
	}
	for _, root := range staticRoots {
		if entry, ok := findHTMLEntry(filepath.Join(dir, root)); ok {
			rel := filepath.ToSlash(filepath.Join(root, entry))
			return Classification{Kind: KindStatic, Entry: rel, Marker: rel}
		}
	}
	return Classification{Kind: KindUnknown}
}

func classifyDynamic(dir string) (Classification, bool) {
	if _, err := os.Stat(dir); err != nil {
		return Classification{}, false
	}
	if cmd, ok := packageJSONCommand(filepath.Join(dir, "package.json")); ok {
		return Classification{Kind: KindDynamic, Command: cmd, Marker: "package.json"}, true
	}
	for _, e := range interpreterEntries {
		if isFile(filepath.Join(dir, e.file)) {
			return Classification{Kind: KindDynamic, Command: e.command, Marker: e.file}, true
		}
	}
	for _, manifest := range []string{"requirements.txt", "pyproject.toml", "Pipfile", "go.mod", "Gemfile", "Cargo.toml"} {
		if isFile(filepath.Join(dir, manifest)) && !hasHTMLEntry(dir) {
			return Classification{Kind: KindDynamic, Marker: manifest}, true
		}
	}
	return Classification{}, false
}

// packageJSONCommand reports a start command when package.json declares a
// runnable script. A package.json without one does not make a project dynamic.
func packageJSONCommand(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
		Main    string            `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		// unparseable manifests still signal a node project
		return "npm start", true
	}
	for _, name := range []string{"dev", "start", "serve", "preview"} {
		if _, ok := pkg.Scripts[name]; ok {
			return "npm install && npm run " + name, true
		}
	}
	if pkg.Main != "" {
		return "node " + pkg.Main, true
	}
	return "", false
}

func hasHTMLEntry(dir string) bool {
	_, ok := findHTMLEntry(dir)
	return ok
}

// findHTMLEntry prefers index.html, then the alphabetically first .html file.
// Files with server markers are not static entries.
func findHTMLEntry(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() || skipDirs[e.Name()] {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
			candidates = append(candidates, e.Name())
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return entryRank(candidates[i]) < entryRank(candidates[j])
	})
	for _, c := range candidates {
		if isStaticHTML(filepath.Join(dir, c)) {
			return c, true
		}
	}
	return "", false
}

func entryRank(name string) int {
	if strings.EqualFold(name, "index.html") {
		return 0
	}
	return 1
}

func isStaticHTML(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return !serverMarkers.Match(data)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
