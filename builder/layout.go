package builder

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Layout maps build targets and runs onto the data directory:
//
//	<root>/build/<target>/source                         pulled working tree
//	<root>/build/<target>/history/#<run>/info.log        run log
//	<root>/build/<target>/history/#<run>/result/<path>   packaged artifact
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) targetDir(targetID string) string {
	return filepath.Join(l.Root, "build", targetID)
}

func (l Layout) SourceDir(targetID string) string {
	return filepath.Join(l.targetDir(targetID), "source")
}

func (l Layout) HistoryDir(targetID string, run int) string {
	return filepath.Join(l.targetDir(targetID), "history", fmt.Sprintf("#%d", run))
}

func (l Layout) ResultDir(targetID string, run int) string {
	return filepath.Join(l.HistoryDir(targetID, run), "result")
}

// HistoryPackageFile is where the artifact resolved to resultPath is kept.
// The path is cleaned as if rooted, so it never leaves ResultDir.
func (l Layout) HistoryPackageFile(targetID string, run int, resultPath string) string {
	rel := path.Clean("/" + strings.ReplaceAll(resultPath, "\\", "/"))
	return filepath.Join(l.ResultDir(targetID, run), filepath.FromSlash(rel))
}

func (l Layout) LogFile(targetID string, run int) string {
	return filepath.Join(l.HistoryDir(targetID, run), "info.log")
}
