package thumbnail

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Ext is the file extension of every cache entry.
const Ext = ".png"

// SourceURI returns the canonical file:// URI for path: "~" and "~name"
// expanded, made absolute and cleaned. Characters are not percent-encoded.
func SourceURI(path string) (string, error) {
	abs, err := absPath(path)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

func absPath(path string) (string, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return abs, nil
}

// expandHome expands "~" and "~/..." to the current user's home and
// "~name/..." to name's home. An unknown name is left as a literal path
// element.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	name, rest, _ := strings.Cut(path[1:], string(filepath.Separator))
	if name == "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return "", fmt.Errorf("failed to expand %q: %w", path, err)
		}
		return expanded, nil
	}
	u, err := user.Lookup(name)
	if err != nil || u.HomeDir == "" {
		return path, nil
	}
	return filepath.Join(u.HomeDir, rest), nil
}

// CacheKey returns the hex MD5 digest of uri, the base name of its cache entry.
func CacheKey(uri string) string {
	sum := md5.Sum([]byte(uri))
	return hex.EncodeToString(sum[:])
}
