package workspace

import (
	"path"
	"regexp"
	"strings"
)

// SourceRoot is the directory, relative to the workspace, that block paths
// are resolved against.
const SourceRoot = "lib"

// EntryPoint is where a path-less fallback block is written, relative to
// SourceRoot.
const EntryPoint = "main.dart"

// FallbackMarkers are the tokens that make an untagged fenced block count as
// a whole source file.
var FallbackMarkers = []string{"void main(", "class ", "import '", "import \""}

// Block is one file extracted from model output. Path is relative to
// SourceRoot.
type Block struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

var (
	taggedBlockPattern = regexp.MustCompile(`(?s)<file\s+path\s*=\s*["']([^"']+)["']\s*>\r?\n?(.*?)</file>`)
	fencePattern       = regexp.MustCompile("(?s)```[ \t]*([\\w+.-]*)[^\\n]*\\n(.*?)```")
	fileMarkerPattern  = regexp.MustCompile(`^\s*(?://|#|/\*|<!--)\s*File:\s*(.+?)\s*(?:\*/|-->)?\s*$`)
)

// ExtractFileBlocks pulls named file blocks out of raw model output.
//
// Tagged blocks (<file path="...">...</file>) and "// File: path" markers
// followed by a fenced block are both explicit. When neither yields a usable
// path, the first fenced block containing one of FallbackMarkers becomes
// EntryPoint.
// Later blocks for an already-seen path replace its content in place.
func ExtractFileBlocks(raw string) []Block {
	var tagged []Block
	for _, m := range taggedBlockPattern.FindAllStringSubmatch(raw, -1) {
		tagged = append(tagged, Block{Path: m[1], Content: stripFence(m[2])})
	}
	// Blocks whose paths are rejected do not count as explicit.
	if blocks := dedupe(tagged); len(blocks) > 0 {
		return blocks
	}
	if blocks := dedupe(extractMarkedFences(raw)); len(blocks) > 0 {
		return blocks
	}

	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		if containsAny(m[2], FallbackMarkers) {
			return []Block{{Path: EntryPoint, Content: m[2]}}
		}
	}
	return nil
}

// extractMarkedFences handles the "// File: path" line followed by a fenced
// block. A marker with no fence after it is ignored.
func extractMarkedFences(raw string) []Block {
	var blocks []Block
	lines := strings.Split(raw, "\n")
	pending := ""
	inFence := false
	var body strings.Builder

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if !inFence {
				inFence = true
				body.Reset()
				continue
			}
			inFence = false
			if pending != "" {
				blocks = append(blocks, Block{Path: pending, Content: body.String()})
				pending = ""
			}
			continue
		}

		if inFence {
			// A marker as the first line inside the fence names the file too.
			if pending == "" && body.Len() == 0 {
				if m := fileMarkerPattern.FindStringSubmatch(line); m != nil {
					pending = m[1]
					continue
				}
			}
			body.WriteString(line)
			body.WriteString("\n")
			continue
		}

		if m := fileMarkerPattern.FindStringSubmatch(line); m != nil {
			pending = m[1]
		}
	}
	return blocks
}

// stripFence unwraps tagged content that itself was fenced by the model.
func stripFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil && strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") {
		return m[2]
	}
	return content
}

func dedupe(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	index := make(map[string]int, len(blocks))
	for _, b := range blocks {
		p := NormalizePath(b.Path)
		if p == "" {
			continue
		}
		b.Path = p
		if i, ok := index[p]; ok {
			out[i].Content = b.Content
			continue
		}
		index[p] = len(out)
		out = append(out, b)
	}
	return out
}

// NormalizePath makes a model-supplied path relative to SourceRoot. It
// returns "" for paths that would escape the workspace.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.Trim(p, "\"'`")
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, ":") {
		return ""
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return ""
		}
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, SourceRoot+"/")
	if p == "." || p == SourceRoot || p == "" {
		return ""
	}
	return p
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}
