// The main package for the citecrawl executable.
package main

import (
	"github.com/JakeFAU/citation-crawler/cmd"
)

func main() {
	cmd.Execute()
}
