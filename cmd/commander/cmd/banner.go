package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ____                                          _
  / ___|___  _ __ ___  _ __ ___   __ _ _ __   __| | ___ _ __
 | |   / _ \| '_ ` + "`" + ` _ \| '_ ` + "`" + ` _ \ / _` + "`" + ` | '_ \ / _` + "`" + ` |/ _ \ '__|
 | |__| (_) | | | | | | | | | | | (_| | | | | (_| |  __/ |
  \____\___/|_| |_| |_|_| |_| |_|\__,_|_| |_|\__,_|\___|_|

`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Session Authentication Service - Version %s\x1b[0m\n\n", Version)
}
