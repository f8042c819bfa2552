// Package templates scaffolds starter content into freshly created
// workspace roots. The template set is closed; unknown tags are rejected
// at workspace creation before this package is reached.
package templates

import (
	"fmt"
	"os"
	"path/filepath"
)

// files maps template tag to relative path to starter content.
var files = map[string]map[string]string{
	"python": {
		"main.py":          "def main():\n    print(\"Hello from Python!\")\n\n\nif __name__ == \"__main__\":\n    main()\n",
		"requirements.txt": "",
		"README.md":        "# Python Workspace\n\nRun with `python main.py`.\n",
	},
	"node-ts": {
		"src/index.ts":  "function main(): void {\n  console.log(\"Hello from TypeScript!\");\n}\n\nmain();\n",
		"package.json":  "{\n  \"name\": \"workspace\",\n  \"version\": \"0.1.0\",\n  \"scripts\": {\n    \"start\": \"ts-node src/index.ts\",\n    \"build\": \"tsc\"\n  }\n}\n",
		"tsconfig.json": "{\n  \"compilerOptions\": {\n    \"target\": \"ES2022\",\n    \"module\": \"commonjs\",\n    \"strict\": true,\n    \"outDir\": \"dist\"\n  },\n  \"include\": [\"src\"]\n}\n",
		"README.md":     "# TypeScript Workspace\n\nRun with `npm start`.\n",
	},
	"c": {
		"main.c":    "#include <stdio.h>\n\nint main(void) {\n    printf(\"Hello from C!\\n\");\n    return 0;\n}\n",
		"Makefile":  "CC = gcc\nCFLAGS = -Wall -Wextra -O2\n\nmain: main.c\n\t$(CC) $(CFLAGS) -o main main.c\n\nclean:\n\trm -f main\n\n.PHONY: clean\n",
		"README.md": "# C Workspace\n\nBuild with `make`, run with `./main`.\n",
	},
	"web": {
		"index.html": "<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n  <meta charset=\"UTF-8\">\n  <title>Web Workspace</title>\n  <link rel=\"stylesheet\" href=\"style.css\">\n</head>\n<body>\n  <h1>Hello Web Template</h1>\n  <script src=\"app.js\"></script>\n</body>\n</html>\n",
		"style.css": "body {\n  font-family: sans-serif;\n  margin: 2rem;\n}\n",
		"app.js":    "console.log(\"Hello from the web template!\");\n",
		"README.md": "# Web Workspace\n\nServe with any static file server, e.g. `python -m http.server 3000`.\n",
	},
}

// Known reports whether tag names a template.
func Known(tag string) bool {
	_, ok := files[tag]
	return ok
}

// Scaffold writes the starter files for tag into root. Parent directories
// are created as needed. root must already exist.
func Scaffold(root, tag string) error {
	content, ok := files[tag]
	if !ok {
		return fmt.Errorf("unknown template %q", tag)
	}
	for rel, body := range content {
		dst := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create template dir: %w", err)
		}
		if err := os.WriteFile(dst, []byte(body), 0o644); err != nil {
			return fmt.Errorf("write template file %s: %w", rel, err)
		}
	}
	return nil
}
