package adapter

import (
	"regexp"
	"strings"
)

type errorRule struct {
	code        string
	re          *regexp.Regexp
	recoverable bool
}

// Rules only fire at line start, after an optional warning glyph, on a
// known tool sentence or an error label. Most specific first; the generic Error: line is the fallback.
const (
	errLineStart = `(?im)^[ \t]*(?:[⚠✗×]\s*)?`
	errLabel     = `(?:(?:api |stream )?error:)`
)

var errorRules = []errorRule{
	{CodeSessionNotFound, regexp.MustCompile(errLineStart +
		`(?:(?:` + errLabel + `\s*)?no conversation found with session id|` +
		errLabel + `[^\n]*(?:session not found|no such session|could not find session))[^\n]*`), false},
	{CodeAuthRequired, regexp.MustCompile(errLineStart +
		`(?:invalid api key|not logged in[^\n]*please run /login|` +
		errLabel + `[^\n]*(?:invalid api key|not logged in|authentication (?:failed|required)|unauthorized|\b401\b))[^\n]*`), false},
	{CodeRateLimited, regexp.MustCompile(errLineStart +
		`(?:(?:claude (?:ai )?)?usage limit reached|rate limit (?:reached|exceeded)|` +
		errLabel + `[^\n]*(?:rate limit|\b429\b|too many requests|quota exceeded|usage limit))[^\n]*`), true},
}

var cliErrorLine = regexp.MustCompile(`(?m)^\s*(?:Error|ERROR):\s*(.+?)\s*$`)

// detectError classifies ANSI-stripped text.
func detectError(text string) *ErrorInfo {
	for _, r := range errorRules {
		if m := r.re.FindString(text); m != "" {
			return &ErrorInfo{Code: r.code, Message: strings.TrimSpace(m), Recoverable: r.recoverable}
		}
	}
	if m := cliErrorLine.FindStringSubmatch(text); m != nil {
		return &ErrorInfo{Code: CodeCLIError, Message: m[1], Recoverable: true}
	}
	return nil
}

var (
	yesNoPrompt = regexp.MustCompile(`(?i)[(\[](?:y/n|yes/no)[)\]]|do you want to (?:proceed|continue|allow)[^\n]*\?|allow (?:once|always)`)
	menuItem    = regexp.MustCompile(`(?m)^\s*(?:❯|>)?\s*\d+\.\s+\S`)
)

// detectPrompt looks at the tail of ANSI-stripped text. Permission prompts
// win over menus, menus over trailing questions, questions over a bare
// input marker.
func detectPrompt(text string, withInput bool) *PromptInfo {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	tail := lastLines(text, 12)
	if len(tail) == 0 {
		return nil
	}
	recent := strings.Join(tail, "\n")

	if loc := yesNoPrompt.FindStringIndex(recent); loc != nil {
		line := lineAt(recent, loc[0])
		return &PromptInfo{Kind: PromptPermission, Text: line, Offset: offsetOf(text, line)}
	}
	if locs := menuItem.FindAllStringIndex(recent, -1); len(locs) >= 2 {
		line := lineAt(recent, locs[0][0])
		if i := strings.Index(recent, line); i > 0 {
			// The question usually sits right above the first option.
			if prev := lastLines(recent[:i], 1); len(prev) == 1 && strings.HasSuffix(strings.TrimSpace(prev[0]), "?") {
				line = strings.TrimSpace(prev[0])
			}
		}
		return &PromptInfo{Kind: PromptQuestion, Text: line, Offset: offsetOf(text, line)}
	}

	last := strings.TrimRight(tail[len(tail)-1], " \t")
	trimmed := strings.TrimSpace(last)
	if strings.HasSuffix(trimmed, "?") {
		return &PromptInfo{Kind: PromptQuestion, Text: trimmed, Offset: offsetOf(text, trimmed)}
	}
	if withInput {
		raw := tail[len(tail)-1]
		if trimmed == ">" || trimmed == "❯" || strings.HasSuffix(raw, "> ") {
			return &PromptInfo{Kind: PromptInput, Text: trimmed, Offset: offsetOf(text, trimmed)}
		}
	}
	return nil
}

func lineAt(s string, i int) string {
	start := strings.LastIndexByte(s[:i], '\n') + 1
	end := strings.IndexByte(s[i:], '\n')
	if end < 0 {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : i+end])
}

func offsetOf(text, line string) int {
	if i := strings.LastIndex(text, line); i >= 0 {
		return i
	}
	return 0
}
