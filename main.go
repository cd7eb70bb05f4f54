// main.go
//
// Entry point; CLI handling lives in cmd/root.go

package main

import (
	"edgestream/cmd"
)

func main() {
	cmd.Execute()
}
