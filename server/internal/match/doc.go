// Package match compiles client subscription masks into predicates.
//
// A mask is a whitespace-separated list of glob tokens. Within a token `*`
// matches any run of characters and `?` matches at most one character; every
// other character is literal. A key matches the mask when it matches any
// token completely.
//
//	room/*            room/temp, room/hum
//	room/* hall/temp  either of the above, or exactly hall/temp
//	sensor?           sensor, sensor1, sensorA
//
// Two masks are special: "" matches nothing and "*" matches any non-empty key.
//
// Compiled matchers are cached by literal mask text in a Cache. The cache
// hands back the same *Matcher for identical text, so callers can compare
// pointers to detect that a mask did not actually change.
package match
