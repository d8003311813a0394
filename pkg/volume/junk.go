package volume

import (
	"path/filepath"
	"strings"
)

// junkNames are desktop droppings that sync clients and file browsers
// scatter into mounted shares.
var junkNames = map[string]struct{}{
	".DS_Store":   {},
	"Thumbs.db":   {},
	"desktop.ini": {},
}

// IsJunkFile reports whether a file name is filesystem noise rather
// than stored payload: desktop droppings, temp files and the health
// probe marker.
func IsJunkFile(name string) bool {
	base := filepath.Base(name)
	if _, ok := junkNames[base]; ok {
		return true
	}
	if strings.HasSuffix(base, ".tmp") {
		return true
	}
	return base == healthProbeName
}
