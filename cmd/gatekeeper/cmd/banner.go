package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ____       _       _                             
  / ___| __ _| |_ ___| | _____  ___ _ __   ___ _ __ 
 | |  _ / _` + "`" + ` | __/ _ \ |/ / _ \/ _ \ '_ \ / _ \ '__|
 | |_| | (_| | ||  __/   <  __/  __/ |_) |  __/ |   
  \____|\__,_|\__\___|_|\_\___|\___| .__/ \___|_|   
                                   |_|              
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Storefront Request Gate - Version %s\x1b[0m\n\n", Version)
}
