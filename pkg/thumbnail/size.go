package thumbnail

import "fmt"

// SizeClass selects the cache subdirectory and the bounding box thumbnails
// are decoded into.
type SizeClass int

const (
	Normal SizeClass = iota // 128x128, "normal/"
	Large                   // 256x256, "large/"
)

// Dir returns the cache subdirectory name for the size class.
func (s SizeClass) Dir() string {
	if s == Large {
		return "large"
	}
	return "normal"
}

// Pixels returns the edge length of the bounding box.
func (s SizeClass) Pixels() int {
	if s == Large {
		return 256
	}
	return 128
}

func (s SizeClass) String() string {
	return s.Dir()
}

// ParseSizeClass parses "normal" or "large".
func ParseSizeClass(name string) (SizeClass, error) {
	switch name {
	case "normal":
		return Normal, nil
	case "large":
		return Large, nil
	default:
		return Normal, fmt.Errorf("unknown thumbnail size %q (want normal or large)", name)
	}
}
