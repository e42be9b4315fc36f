package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const parquetExt = ".parquet"

var (
	pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	exportFilePattern    = regexp.MustCompile(`^([0-9]{20})-([0-9]{20})\.parquet$`)
)

// ExportDir is the key prefix under which exports of logName are written.
func ExportDir(prefix, logName string) (string, error) {
	if err := validatePathComponent(logName, "log name"); err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		for _, part := range strings.Split(prefix, "/") {
			if err := validatePathComponent(part, "export prefix"); err != nil {
				return "", err
			}
		}
	}
	return path.Join(prefix, logName) + "/", nil
}

// BuildExportPath names the object holding the log records from first to last
// inclusive. Cursors are fixed width so keys sort in log order.
func BuildExportPath(prefix, logName, first, last string) (string, error) {
	dir, err := ExportDir(prefix, logName)
	if err != nil {
		return "", err
	}
	name := first + "-" + last + parquetExt
	if !exportFilePattern.MatchString(name) {
		return "", fmt.Errorf("invalid export range %q..%q", first, last)
	}
	if first > last {
		return "", fmt.Errorf("export range start %q is after end %q", first, last)
	}
	return dir + name, nil
}

// ParseExportPath returns the cursor range encoded in an export key.
func ParseExportPath(key string) (first, last string, err error) {
	matches := exportFilePattern.FindStringSubmatch(path.Base(key))
	if len(matches) != 3 {
		return "", "", fmt.Errorf("not an export object: %q", key)
	}
	return matches[1], matches[2], nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
