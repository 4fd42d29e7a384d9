// safeshell interposes on shell commands issued by AI coding assistants
// and decides, per command, whether to allow, deny, or ask a human.
package main

import (
	"os"

	"github.com/safeshell/safeshell/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
