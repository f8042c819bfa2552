package runner

// languageServers is the closed whitelist of LSP commands per language tag.
// Each binary is expected to exist in the workspace image.
var languageServers = map[string]string{
	"python":  "pylsp",
	"node-ts": "typescript-language-server --stdio",
	"c":       "clangd",
	"web":     "typescript-language-server --stdio",
}

// LanguageServerCommand resolves a language tag to its server command line.
func LanguageServerCommand(language string) (string, bool) {
	cmd, ok := languageServers[language]
	return cmd, ok
}
