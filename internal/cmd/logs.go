package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/safeshell/safeshell/internal/config"
)

// runDaemonLogs prints the tail of the daemon log, optionally following
// new output by polling for growth.
func runDaemonLogs(cmd *cobra.Command, args []string) error {
	path := config.LogPath()
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if daemonLogLines > 0 && len(lines) > daemonLogLines {
		lines = lines[len(lines)-daemonLogLines:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}

	if !daemonLogFollow {
		return nil
	}

	offset := int64(len(data))
	for {
		time.Sleep(500 * time.Millisecond)
		info, err := os.Stat(path)
		if err != nil {
			return nil // rotated away; stop quietly
		}
		if info.Size() < offset {
			offset = 0 // truncated by rotation
		}
		if info.Size() == offset {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		chunk, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		offset += int64(len(chunk))
		fmt.Print(string(chunk))
	}
}
