// The main package for the permit-crawler executable.
package main

import "github.com/JakeFAU/permit-crawler/cmd"

func main() {
	cmd.Execute()
}
