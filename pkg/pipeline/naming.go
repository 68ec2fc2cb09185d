package pipeline

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Default artifact suffixes.
const (
	DefaultResultSuffix = "annot"
	DefaultLogSuffix    = ".count.log"
)

// Naming derives artifact names from the input name. The execution writes
// its artifacts next to the staged input under the same names, and
// finalization uploads them under the same derivation of the input key.
type Naming struct {
	// ResultSuffix is inserted before the input's extension:
	// "x~f.vcf" becomes "x~f.annot.vcf".
	ResultSuffix string

	// LogSuffix is appended to the input name: "x~f.vcf.count.log".
	LogSuffix string
}

// DefaultNaming returns the default suffixes.
func DefaultNaming() Naming {
	return Naming{ResultSuffix: DefaultResultSuffix, LogSuffix: DefaultLogSuffix}
}

func (n Naming) withDefaults() Naming {
	if n.ResultSuffix == "" {
		n.ResultSuffix = DefaultResultSuffix
	}
	if n.LogSuffix == "" {
		n.LogSuffix = DefaultLogSuffix
	}
	return n
}

// ResultKey derives the result object key from an input key.
func (n Naming) ResultKey(inputKey string) string {
	return insertSuffix(inputKey, path.Ext(inputKey), n.withDefaults().ResultSuffix)
}

// LogKey derives the log object key from an input key.
func (n Naming) LogKey(inputKey string) string {
	return inputKey + n.withDefaults().LogSuffix
}

// ResultPath derives the local result path from the staged input path.
func (n Naming) ResultPath(inputPath string) string {
	return insertSuffix(inputPath, filepath.Ext(inputPath), n.withDefaults().ResultSuffix)
}

// LogPath derives the local log path from the staged input path.
func (n Naming) LogPath(inputPath string) string {
	return inputPath + n.withDefaults().LogSuffix
}

func insertSuffix(name, ext, suffix string) string {
	suffix = strings.Trim(suffix, ".")
	return strings.TrimSuffix(name, ext) + "." + suffix + ext
}

// InputKey builds the hot-tier key for an uploaded input:
// <prefix><user_id>/<job_id>~<file>.
func InputKey(prefix, userID, jobID, fileName string) string {
	p := strings.TrimSuffix(prefix, "/")
	if p != "" {
		p += "/"
	}
	return fmt.Sprintf("%s%s/%s~%s", p, userID, jobID, fileName)
}

// ParseInputKey splits a key built by InputKey. ok is false when the key
// does not carry a job id.
func ParseInputKey(key string) (userID, jobID, fileName string, ok bool) {
	dir, base := path.Split(key)
	jobID, fileName, found := strings.Cut(base, "~")
	if !found || jobID == "" || fileName == "" {
		return "", "", "", false
	}
	userID = path.Base(strings.TrimSuffix(dir, "/"))
	if userID == "" || userID == "." || userID == "/" {
		return "", "", "", false
	}
	return userID, jobID, fileName, true
}
