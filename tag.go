package zoocache

import "fmt"

const (
	// maxTagLen bounds the byte length of a dependency tag.
	maxTagLen = 256

	// maxTagDepth bounds the hierarchy depth, counted as the number of
	// ':' separators.
	maxTagDepth = 16
)

// ValidateTag checks a dependency tag against the syntax rules: non-empty,
// at most 256 bytes of [A-Za-z0-9_.:], no leading or trailing ':' or '.',
// and at most 16 levels of hierarchy.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTag)
	}
	if len(tag) > maxTagLen {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidTag, tag, maxTagLen)
	}

	switch tag[0] {
	case ':', '.':
		return fmt.Errorf("%w: %q starts with %q", ErrInvalidTag, tag, tag[0])
	}
	switch tag[len(tag)-1] {
	case ':', '.':
		return fmt.Errorf("%w: %q ends with %q", ErrInvalidTag, tag, tag[len(tag)-1])
	}

	depth := 0
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.':
		case c == ':':
			depth++
			if depth > maxTagDepth {
				return fmt.Errorf("%w: %q exceeds depth %d", ErrInvalidTag, tag, maxTagDepth)
			}
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTag, tag, c)
		}
	}
	return nil
}
