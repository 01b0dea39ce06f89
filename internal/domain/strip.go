package domain

import "regexp"

// Minecraft legacy formatting codes: section sign + one code character.
var colorCodeRE = regexp.MustCompile(`§[0-9a-fk-or]`)

// StripColors removes Minecraft color/formatting codes from s.
func StripColors(s string) string {
	return colorCodeRE.ReplaceAllString(s, "")
}
