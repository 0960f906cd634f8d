package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/pinacle-sh/pinacle/pkg/shell"
)

// heredocDelimiter is unusual enough that no config or key file contains it
// as a whole line
const heredocDelimiter = "PINACLE_FILE_EOF"

// WriteFileInContainer writes content to a path inside the container through
// a quoted heredoc, so the bytes arrive uninterpreted by the remote shell.
// The parent directory is created and the file ends with exactly one
// newline. Mode is applied when non-empty.
func (e *DockerEngine) WriteFileInContainer(ctx context.Context, podID string, containerID string, filePath string, content string, mode string) error {
	script := fmt.Sprintf(
		"mkdir -p %s && cat > %s << '%s'\n%s\n%s",
		shell.Quote(path.Dir(filePath)),
		shell.Quote(filePath),
		heredocDelimiter,
		strings.TrimRight(content, "\n"),
		heredocDelimiter,
	)
	if mode != "" {
		script += fmt.Sprintf("\nchmod %s %s", mode, shell.Quote(filePath))
	}

	_, err := e.ExecShellInContainer(ctx, podID, containerID, script)
	return err
}
