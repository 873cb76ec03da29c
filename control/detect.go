package control

import (
	"bufio"
	"strings"

	"github.com/tri2510/vehicle-edge-runtime/store"
)

// DetectedDependency is one package reference found in an artifact.
type DetectedDependency struct {
	Name    string `json:"name"`
	Manager string `json:"manager"` // "pip" | "npm"
	Line    int    `json:"line"`
}

// pythonStdlib covers the imports we should not report as installable
// packages.  Deliberately small: a false positive only costs a no-op install.
var pythonStdlib = map[string]bool{
	"os": true, "sys": true, "time": true, "json": true, "math": true,
	"re": true, "io": true, "csv": true, "random": true, "logging": true,
	"datetime": true, "asyncio": true, "typing": true, "threading": true,
	"collections": true, "itertools": true, "functools": true,
	"subprocess": true, "socket": true, "struct": true, "signal": true,
	"pathlib": true, "argparse": true, "unittest": true,
}

var nodeBuiltins = map[string]bool{
	"fs": true, "path": true, "os": true, "http": true, "https": true,
	"net": true, "url": true, "util": true, "events": true, "stream": true,
	"crypto": true, "child_process": true, "assert": true, "buffer": true,
	"process": true, "timers": true, "zlib": true,
}

// inferKind guesses the artifact kind for smart_deploy.  Image references
// and ELF binaries are recognised first; anything that scans as text is a
// script.
func inferKind(code []byte) store.Kind {
	if len(code) >= 4 && code[0] == 0x7f && code[1] == 'E' && code[2] == 'L' && code[3] == 'F' {
		return store.KindBinary
	}
	trimmed := strings.TrimSpace(string(code))
	// A single line with registry/repo:tag shape and no whitespace is an
	// image reference, e.g. "ghcr.io/acme/telemetry:1.2".
	if !strings.ContainsAny(trimmed, " \t\n") && strings.Count(trimmed, "\n") == 0 &&
		(strings.Contains(trimmed, ":") || strings.Contains(trimmed, "/")) &&
		!strings.HasPrefix(trimmed, "#!") && len(trimmed) < 256 {
		return store.KindContainer
	}
	return store.KindScript
}

// detectDependencies scans script source line by line for package imports.
// Supported: Python import/from and JavaScript require/import.
func detectDependencies(code []byte) []DetectedDependency {
	var out []DetectedDependency
	seen := make(map[string]bool)
	add := func(name, manager string, line int) {
		if name == "" || seen[manager+":"+name] {
			return
		}
		seen[manager+":"+name] = true
		out = append(out, DetectedDependency{Name: name, Manager: manager, Line: line})
	}

	sc := bufio.NewScanner(strings.NewReader(string(code)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())

		// Python import statements never carry string literals; JavaScript
		// import lines do, and are handled by requireTargets below.
		pythonish := !strings.ContainsAny(line, `"'`)
		switch {
		case pythonish && strings.HasPrefix(line, "import "):
			// "import a, b.c as d"
			rest := strings.TrimPrefix(line, "import ")
			for _, part := range strings.Split(rest, ",") {
				name := moduleRoot(strings.Fields(strings.TrimSpace(part)))
				if name != "" && !pythonStdlib[name] {
					add(name, "pip", lineNo)
				}
			}
		case pythonish && strings.HasPrefix(line, "from "):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				name := strings.SplitN(fields[1], ".", 2)[0]
				if name != "" && name != "." && !pythonStdlib[name] {
					add(name, "pip", lineNo)
				}
			}
		}

		for _, name := range requireTargets(line) {
			root := npmRoot(name)
			if root != "" && !nodeBuiltins[root] && !strings.HasPrefix(root, ".") {
				add(root, "npm", lineNo)
			}
		}
	}
	return out
}

// moduleRoot takes the fields of one import clause ("b.c as d") and returns
// the top-level module name.
func moduleRoot(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return strings.SplitN(fields[0], ".", 2)[0]
}

// requireTargets extracts the string literals of require('x') / import 'x' /
// from 'x' occurrences on one JavaScript line.
func requireTargets(line string) []string {
	var out []string
	for _, marker := range []string{"require(", `from "`, "from '", `import "`, "import '"} {
		rest := line
		for {
			i := strings.Index(rest, marker)
			if i < 0 {
				break
			}
			rest = rest[i+len(marker):]
			if marker == "require(" {
				rest = strings.TrimLeft(rest, `"' `)
			}
			end := strings.IndexAny(rest, `"')`)
			if end <= 0 {
				break
			}
			out = append(out, rest[:end])
			rest = rest[end:]
		}
	}
	return out
}

// npmRoot collapses "pkg/sub" to "pkg" but keeps "@scope/pkg" whole.
func npmRoot(name string) string {
	if strings.HasPrefix(name, "@") {
		parts := strings.SplitN(name, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return name
	}
	return strings.SplitN(name, "/", 2)[0]
}
