package notify

import "strings"

// Render substitutes {token} placeholders. Unknown placeholders are left as-is.
func Render(tpl string, tokens map[string]string) string {
	if len(tokens) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(tokens)*2)
	for k, v := range tokens {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// Compose renders custom, or fallback when custom is blank. If the chosen template
// has no {url} token the canonical URL is appended on its own line.
func Compose(custom, fallback string, tokens map[string]string) string {
	tpl := custom
	if strings.TrimSpace(tpl) == "" {
		tpl = fallback
	}
	out := Render(tpl, tokens)
	if u := tokens["url"]; u != "" && !strings.Contains(tpl, "{url}") {
		out = strings.TrimRight(out, "\n") + "\n" + u
	}
	return out
}
