package session

import "regexp"

// TitleMode is the title-management mode.
type TitleMode string

const (
	TitleNone TitleMode = "none"
	TitleFilter TitleMode = "filter"
	TitleStatic TitleMode = "static"
	TitleDynamic TitleMode = "dynamic"
)

// oscTitle matches an OSC 0/1/2 set-title sequence: ESC ] (0|1|2) ; text BEL|ST
var oscTitle = regexp.MustCompile("\x1b\\][012];[^\x07\x1b]*(\x07|\x1b\\\\)")

// defaultPromptPatterns are configurable shell-prompt heuristics: a sane
// default set recognizing the most common prompt conventions well
// enough to notice a directory change in "dynamic" title mode, without
// hard-coding one shell's rules.
var defaultPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^[\w.-]+@[\w.-]+:([^\s$#]+)[$#]\s*$`), // user@host:/path$
	regexp.MustCompile(`(?m)^([^\s$#]+)\s*[$#]\s*$`),              // /path $
}

// TitleController implements the title-mode policy as a standalone
// component the Session Manager owns, rather than logic inlined in the
// PTY Host, so the "dynamic" heuristics are a swappable, configurable
// pattern set.
type TitleController struct {
	Mode           TitleMode
	PromptPatterns []*regexp.Regexp
	lastDir        string
	lastActivity   string
}

// NewTitleController creates a controller for the given mode using the
// default prompt-pattern set.
func NewTitleController(mode TitleMode) *TitleController {
	return &TitleController{Mode: mode, PromptPatterns: defaultPromptPatterns}
}

// Filter strips set-title escape sequences from chunk when Mode is
// "filter", leaving everything else untouched.
func (c *TitleController) Filter(chunk []byte) []byte {
	if c.Mode != TitleFilter {
		return chunk
	}
	return oscTitle.ReplaceAll(chunk, nil)
}

// ObserveOutput inspects output for a shell-prompt hint indicating a
// directory change, returning a new title sequence to inject when one
// is found. Only meaningful for static/dynamic modes; always returns
// ("", false) otherwise.
func (c *TitleController) ObserveOutput(chunk []byte) (title string, changed bool) {
	if c.Mode != TitleStatic && c.Mode != TitleDynamic {
		return "", false
	}
	for _, p := range c.PromptPatterns {
		m := p.FindSubmatch(chunk)
		if m == nil {
			continue
		}
		dir := string(m[len(m)-1])
		if dir == c.lastDir {
			return "", false
		}
		c.lastDir = dir
		return SetTitleSeq(dir), true
	}
	return "", false
}

// ObserveActivity is called whenever the Activity Monitor's busy/idle
// signal changes; in "dynamic" mode this alone is enough to justify a
// fresh title injection.
func (c *TitleController) ObserveActivity(status string) (title string, changed bool) {
	if c.Mode != TitleDynamic || status == c.lastActivity {
		return "", false
	}
	c.lastActivity = status
	return SetTitleSeq(status), true
}

// SetTitleSeq builds an OSC 2 (set window title) sequence.
func SetTitleSeq(title string) string {
	return "\x1b]2;" + title + "\x07"
}
