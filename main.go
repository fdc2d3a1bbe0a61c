// Command bannerinspector runs the banner extraction and inspection service.
package main

import "github.com/JakeFAU/banner-inspector/cmd"

func main() {
	cmd.Execute()
}
