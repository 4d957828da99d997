package files

import (
	"fmt"
	"os"
	"path/filepath"
)

func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			panic(err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}

// FindBin finds a built binary named name in the working directory or one of its parents.
func FindBin(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	bin := FindUp(name, wd)
	if bin == "" {
		return "", fmt.Errorf("unable to find %s bin (build it with 'go build ./cmd/%s')", name, name)
	}
	return bin, nil
}
