package server

import (
	"unicode/utf8"

	"github.com/CiaranWoodward/commbridge/errors"
)

// Wildcard patterns are globs over the whole key: * matches any run of characters, / included,
// ? matches one character, and [...] matches a class of characters or ranges, negated by a
// leading ^ or !. A backslash escapes the next character.

// matchPattern reports whether key matches pattern. A malformed pattern matches nothing.
func matchPattern(pattern, key string) bool {
	ok, err := match(pattern, key)
	return err == nil && ok
}

// validatePattern checks the whole pattern, including the parts a match would not reach
func validatePattern(pattern string) error {
	for i := 0; i < len(pattern); {
		switch pattern[i] {
		case '\\':
			if i+1 >= len(pattern) {
				return errors.ErrBadPattern
			}
			_, w := utf8.DecodeRuneInString(pattern[i+1:])
			i += 1 + w
		case '[':
			_, n, err := matchClass(pattern[i:], utf8.RuneError)
			if err != nil {
				return err
			}
			i += n
		default:
			i++
		}
	}
	return nil
}

func match(pattern, key string) (bool, error) {
	px, kx := 0, 0
	// Where to resume after the last *, when the rest fails to match
	starPx, starKx := -1, 0
	for px < len(pattern) || kx < len(key) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '*':
				starPx, starKx = px, kx
				px++
				continue
			case '?':
				if kx < len(key) {
					_, w := utf8.DecodeRuneInString(key[kx:])
					px++
					kx += w
					continue
				}
			case '[':
				if kx < len(key) {
					r, w := utf8.DecodeRuneInString(key[kx:])
					ok, n, err := matchClass(pattern[px:], r)
					if err != nil {
						return false, err
					}
					if ok {
						px += n
						kx += w
						continue
					}
				}
			case '\\':
				if px+1 >= len(pattern) {
					return false, errors.ErrBadPattern
				}
				pr, pw := utf8.DecodeRuneInString(pattern[px+1:])
				if kx < len(key) {
					kr, kw := utf8.DecodeRuneInString(key[kx:])
					if pr == kr {
						px += 1 + pw
						kx += kw
						continue
					}
				}
			default:
				if kx < len(key) && key[kx] == c {
					px++
					kx++
					continue
				}
			}
		}
		if starPx >= 0 && starKx < len(key) {
			_, w := utf8.DecodeRuneInString(key[starKx:])
			starKx += w
			px, kx = starPx+1, starKx
			continue
		}
		return false, nil
	}
	return true, nil
}

// matchClass matches r against the class at the start of p, returning the class length
func matchClass(p string, r rune) (bool, int, error) {
	i := 1
	negate := false
	if i < len(p) && (p[i] == '^' || p[i] == '!') {
		negate = true
		i++
	}
	matched := false
	for first := true; ; first = false {
		if i >= len(p) {
			return false, 0, errors.ErrBadPattern
		}
		if p[i] == ']' && !first {
			i++
			break
		}
		lo, n, err := classChar(p[i:])
		if err != nil {
			return false, 0, err
		}
		i += n
		hi := lo
		if i+1 < len(p) && p[i] == '-' && p[i+1] != ']' {
			hi, n, err = classChar(p[i+1:])
			if err != nil {
				return false, 0, err
			}
			if hi < lo {
				return false, 0, errors.ErrBadPattern
			}
			i += 1 + n
		}
		if lo <= r && r <= hi {
			matched = true
		}
	}
	return matched != negate, i, nil
}

func classChar(p string) (rune, int, error) {
	if p[0] == '\\' {
		if len(p) < 2 {
			return 0, 0, errors.ErrBadPattern
		}
		r, w := utf8.DecodeRuneInString(p[1:])
		return r, 1 + w, nil
	}
	r, w := utf8.DecodeRuneInString(p)
	return r, w, nil
}
